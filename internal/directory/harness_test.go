package directory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/background"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testServerName = "test"

type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	config   Config
	rooms    *homeserver.Store
	store    *Store
	updater  *Updater
	feed     *Feed
	searcher *Searcher
	runner   *background.Runner
	admin    *Admin
	stream   int64
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "directory.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := []interface{}{
		&homeserver.Room{},
		&homeserver.RoomMembership{},
		&homeserver.Account{},
		&homeserver.Profile{},
		&background.Update{},
	}
	require.NoError(t, db.AutoMigrate(append(models, Models()...)...))
	return db
}

func enabledConfig() Config {
	return Config{Enabled: true}
}

func newHarness(t *testing.T, config Config, spamCheckers ...interface{}) *harness {
	t.Helper()
	db := openTestDatabase(t)

	rooms, err := homeserver.NewStore(homeserver.StoreConfig{Database: db, ServerName: testServerName})
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	updater, err := NewUpdater(UpdaterConfig{Database: db, RoomState: rooms, Config: config})
	require.NoError(t, err)
	feed, err := NewFeed(FeedConfig{Database: db, RoomState: rooms, Updater: updater})
	require.NoError(t, err)
	searcher, err := NewSearcher(SearcherConfig{
		Database:     db,
		RoomState:    rooms,
		Config:       config,
		SpamCheckers: NewSpamCheckerChain(nil, spamCheckers...),
	})
	require.NoError(t, err)
	runner := newPopulationRunner(t, db, rooms, config)
	admin, err := NewAdmin(AdminConfig{Database: db, RoomState: rooms, Runner: runner, Updater: updater})
	require.NoError(t, err)

	return &harness{
		t:        t,
		ctx:      context.Background(),
		db:       db,
		config:   config,
		rooms:    rooms,
		store:    store,
		updater:  updater,
		feed:     feed,
		searcher: searcher,
		runner:   runner,
		admin:    admin,
	}
}

func newPopulationRunner(t *testing.T, db *gorm.DB, rooms *homeserver.Store, config Config) *background.Runner {
	t.Helper()
	runner, err := background.NewRunner(background.RunnerConfig{Database: db})
	require.NoError(t, err)
	populator, err := NewPopulator(PopulatorConfig{RoomState: rooms, Config: config})
	require.NoError(t, err)
	populator.Register(runner)
	return runner
}

func localID(localpart string) string {
	return "@" + localpart + ":" + testServerName
}

func (h *harness) register(localpart, displayName string) string {
	h.t.Helper()
	userID := localID(localpart)
	require.NoError(h.t, h.feed.RegisterAccount(h.ctx, homeserver.Account{UserID: userID}, &ProfileInfo{DisplayName: displayName}))
	return userID
}

func (h *harness) registerSupport(localpart string) string {
	h.t.Helper()
	userID := localID(localpart)
	require.NoError(h.t, h.feed.RegisterAccount(h.ctx,
		homeserver.Account{UserID: userID, UserType: homeserver.UserTypeSupport},
		&ProfileInfo{DisplayName: localpart}))
	return userID
}

func (h *harness) room(roomID string, public bool) string {
	h.t.Helper()
	require.NoError(h.t, h.feed.CreateRoom(h.ctx, roomID, public))
	return roomID
}

func (h *harness) setMembership(roomID, userID, membership, displayName string) {
	h.t.Helper()
	h.stream++
	require.NoError(h.t, h.feed.SetMembership(h.ctx, homeserver.RoomMembership{
		RoomID:         roomID,
		UserID:         userID,
		Membership:     membership,
		DisplayName:    displayName,
		StreamOrdering: h.stream,
	}))
}

func (h *harness) join(roomID string, userIDs ...string) {
	h.t.Helper()
	for _, userID := range userIDs {
		h.setMembership(roomID, userID, homeserver.MembershipJoin, "")
	}
}

func (h *harness) joinRemote(roomID, userID, displayName string) {
	h.t.Helper()
	h.setMembership(roomID, userID, homeserver.MembershipJoin, displayName)
}

func (h *harness) leave(roomID, userID string) {
	h.t.Helper()
	h.setMembership(roomID, userID, homeserver.MembershipLeave, "")
}

func (h *harness) search(searcherID, term string, limit int) SearchResult {
	h.t.Helper()
	result, err := h.searcher.SearchUsers(h.ctx, searcherID, term, limit)
	require.NoError(h.t, err)
	return result
}

func (h *harness) searchIDs(searcherID, term string) []string {
	h.t.Helper()
	return resultIDs(h.search(searcherID, term, 10))
}

func resultIDs(result SearchResult) []string {
	ids := make([]string, 0, len(result.Results))
	for _, entry := range result.Results {
		ids = append(ids, entry.UserID)
	}
	return ids
}

type directorySnapshot struct {
	Profiles []UserResult
	Public   []PublicMembership
	Private  []PrivateShare
}

func (h *harness) snapshot() directorySnapshot {
	h.t.Helper()
	profiles, err := h.store.Profiles(h.ctx)
	require.NoError(h.t, err)
	public, err := h.store.PublicMemberships(h.ctx)
	require.NoError(h.t, err)
	private, err := h.store.PrivateShares(h.ctx)
	require.NoError(h.t, err)

	snapshot := directorySnapshot{
		Profiles: make([]UserResult, 0, len(profiles)),
		Public:   append([]PublicMembership{}, public...),
		Private:  append([]PrivateShare{}, private...),
	}
	for _, profile := range profiles {
		snapshot.Profiles = append(snapshot.Profiles, UserResult{
			UserID:      profile.UserID,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
		})
	}
	return snapshot
}

func (h *harness) profileIDs() []string {
	h.t.Helper()
	ids := []string{}
	for _, profile := range h.snapshot().Profiles {
		ids = append(ids, profile.UserID)
	}
	return ids
}

func (h *harness) rebuild(batchSize int) {
	h.t.Helper()
	_, err := h.admin.Rebuild(h.ctx)
	require.NoError(h.t, err)
	require.NoError(h.t, background.RunToCompletion(h.ctx, h.runner, batchSize))
}
