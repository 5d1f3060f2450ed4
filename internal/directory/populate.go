package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/background"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Population stage names, in dependency order.
const (
	StageCreateTables = "populate_user_directory_createtables"
	StageProcessRooms = "populate_user_directory_process_rooms"
	StageProcessUsers = "populate_user_directory_process_users"
	StageCleanup      = "populate_user_directory_cleanup"
)

// PopulationStages returns the stage graph that rebuilds the directory from scratch.
func PopulationStages() []background.Stage {
	return []background.Stage{
		{Name: StageCreateTables},
		{Name: StageProcessRooms, DependsOn: StageCreateTables},
		{Name: StageProcessUsers, DependsOn: StageProcessRooms},
		{Name: StageCleanup, DependsOn: StageProcessUsers},
	}
}

type roomCursor struct {
	LastRoomID string `json:"last_room_id,omitempty"`
	Processed  int    `json:"processed"`
	Skipped    int    `json:"skipped"`
}

type userCursor struct {
	LastUserID string `json:"last_user_id,omitempty"`
	Processed  int    `json:"processed"`
	Skipped    int    `json:"skipped"`
}

// PopulatorConfig describes the dependencies of the population stages.
type PopulatorConfig struct {
	RoomState *homeserver.Store
	Config    Config
	Logger    *zap.Logger
}

// Populator implements the batch handlers of the population stages. Every handler
// writes through the transaction it is given, so its writes and its checkpoint
// commit together, and every write is an idempotent upsert.
type Populator struct {
	rooms  *homeserver.Store
	config Config
	logger *zap.Logger
}

// NewPopulator constructs the population stage handlers.
func NewPopulator(cfg PopulatorConfig) (*Populator, error) {
	if cfg.RoomState == nil {
		return nil, newServiceError(opNewPopulator, reasonMissingRooms, errMissingRoomState)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Populator{rooms: cfg.RoomState, config: cfg.Config, logger: logger}, nil
}

// Register binds every population stage to the runner.
func (p *Populator) Register(runner *background.Runner) {
	runner.Register(StageCreateTables, p.createTables)
	runner.Register(StageProcessRooms, p.processRooms)
	runner.Register(StageProcessUsers, p.processUsers)
	runner.Register(StageCleanup, p.cleanup)
}

func (p *Populator) createTables(ctx context.Context, tx *gorm.DB, _ json.RawMessage, _ int) (background.BatchResult, error) {
	if err := tx.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return background.BatchResult{}, err
	}
	return background.BatchResult{Finished: true}, nil
}

func (p *Populator) processRooms(ctx context.Context, tx *gorm.DB, raw json.RawMessage, batchSize int) (background.BatchResult, error) {
	var cursor roomCursor
	if err := decodeCursor(raw, &cursor); err != nil {
		return background.BatchResult{}, err
	}
	store, rooms := &Store{db: tx}, p.rooms.WithTx(tx)

	batch, err := rooms.ListRooms(ctx, cursor.LastRoomID, batchSize)
	if err != nil {
		return background.BatchResult{}, err
	}
	for _, room := range batch {
		cursor.LastRoomID = room.RoomID
		if err := homeserver.ValidateRoomID(room.RoomID); err != nil {
			cursor.Skipped++
			p.logger.Warn("skipping malformed room", zap.String(logFieldRoomID, room.RoomID), zap.Error(err))
			continue
		}
		if err := p.indexRoom(ctx, store, rooms, room); err != nil {
			return background.BatchResult{}, err
		}
		cursor.Processed++
	}

	return background.BatchResult{
		Processed: len(batch),
		Progress:  cursor,
		Finished:  len(batch) < batchSize,
	}, nil
}

// indexRoom replaces the relation rows of one room with its current joined members.
func (p *Populator) indexRoom(ctx context.Context, store *Store, rooms *homeserver.Store, room homeserver.Room) error {
	if _, err := store.RemoveRoom(ctx, room.RoomID); err != nil {
		return err
	}
	joined, err := rooms.JoinedMembers(ctx, room.RoomID)
	if err != nil {
		return err
	}
	members := make([]homeserver.Member, 0, len(joined))
	for _, member := range joined {
		if _, _, err := homeserver.ParseUserID(member.UserID); err != nil {
			p.logger.Warn("skipping malformed room member",
				zap.String(logFieldRoomID, room.RoomID),
				zap.String(logFieldUserID, member.UserID),
				zap.Error(err))
			continue
		}
		ok, err := userIndexable(ctx, rooms, member.UserID)
		if err != nil {
			return err
		}
		if ok {
			members = append(members, member)
		}
	}

	if err := writeRoomEdges(ctx, store, room.RoomID, room.IsPublic, memberIDs(members)); err != nil {
		return err
	}
	// A private room with a single member makes nobody visible.
	if !room.IsPublic && len(members) < 2 && !p.config.SearchAllUsers {
		return nil
	}
	for _, member := range members {
		profile, err := profileFor(ctx, rooms, member)
		if err != nil {
			return err
		}
		if err := store.UpsertProfile(ctx, profile); err != nil {
			return err
		}
	}
	return nil
}

func (p *Populator) processUsers(ctx context.Context, tx *gorm.DB, raw json.RawMessage, batchSize int) (background.BatchResult, error) {
	var cursor userCursor
	if err := decodeCursor(raw, &cursor); err != nil {
		return background.BatchResult{}, err
	}
	store, rooms := &Store{db: tx}, p.rooms.WithTx(tx)

	batch, err := rooms.ListLocalAccounts(ctx, cursor.LastUserID, batchSize)
	if err != nil {
		return background.BatchResult{}, err
	}
	for _, account := range batch {
		cursor.LastUserID = account.UserID
		if _, _, err := homeserver.ParseUserID(account.UserID); err != nil {
			cursor.Skipped++
			p.logger.Warn("skipping malformed account", zap.String(logFieldUserID, account.UserID), zap.Error(err))
			continue
		}
		if err := p.indexUser(ctx, store, rooms, account); err != nil {
			return background.BatchResult{}, err
		}
		cursor.Processed++
	}

	return background.BatchResult{
		Processed: len(batch),
		Progress:  cursor,
		Finished:  len(batch) < batchSize,
	}, nil
}

// indexUser refreshes the profile of one local account. The account row was read in
// the same transaction as the write, so a concurrent deactivation always wins.
func (p *Populator) indexUser(ctx context.Context, store *Store, rooms *homeserver.Store, account homeserver.Account) error {
	if !account.Indexable() {
		_, err := store.PurgeUser(ctx, account.UserID)
		return err
	}
	if !p.config.SearchAllUsers {
		edges, err := store.EdgeCount(ctx, account.UserID)
		if err != nil {
			return err
		}
		if edges == 0 {
			return nil
		}
	}
	profile, err := profileFor(ctx, rooms, homeserver.Member{UserID: account.UserID})
	if err != nil {
		return err
	}
	return store.UpsertProfile(ctx, profile)
}

func (p *Populator) cleanup(ctx context.Context, tx *gorm.DB, raw json.RawMessage, batchSize int) (background.BatchResult, error) {
	var cursor userCursor
	if err := decodeCursor(raw, &cursor); err != nil {
		return background.BatchResult{}, err
	}
	store, rooms := &Store{db: tx}, p.rooms.WithTx(tx)

	processed := 0
	if !p.config.SearchAllUsers {
		orphans, err := store.OrphanProfiles(ctx, cursor.LastUserID, batchSize)
		if err != nil {
			return background.BatchResult{}, err
		}
		if err := store.DeleteProfiles(ctx, orphans); err != nil {
			return background.BatchResult{}, err
		}
		processed = len(orphans)
		cursor.Processed += processed
		if processed > 0 {
			cursor.LastUserID = orphans[processed-1]
		}
		if processed == batchSize {
			return background.BatchResult{Processed: processed, Progress: cursor}, nil
		}
	}

	position, err := rooms.MaxStreamOrdering(ctx)
	if err != nil {
		return background.BatchResult{}, err
	}
	if err := store.AdvanceStreamPosition(ctx, position); err != nil {
		return background.BatchResult{}, err
	}
	p.logger.Info("user directory population complete", zap.Int("orphans_removed", cursor.Processed))
	return background.BatchResult{Processed: processed, Progress: cursor, Finished: true}, nil
}

func decodeCursor(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("directory: decode progress: %w", err)
	}
	return nil
}
