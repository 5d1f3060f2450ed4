package directory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	likeEscape          = `\`
	queryMatchesTerm    = `(LOWER(user_id) LIKE ? ESCAPE '\' OR LOWER(display_name) LIKE ? ESCAPE '\')`
	queryVisibleToUser  = "(EXISTS (SELECT 1 FROM users_in_public_rooms p WHERE p.user_id = user_directory.user_id) OR EXISTS (SELECT 1 FROM users_who_share_private_rooms s WHERE s.user_id = ? AND s.other_user_id = user_directory.user_id))"
	queryNotSearcher    = "user_id <> ?"
	logFieldSearcherID  = "searcher_id"
	logFieldResultCount = "results"
)

// Match quality, best first.
const (
	matchExact = iota
	matchPrefix
	matchSubstring
)

// SearchObserver receives one notification per search.
type SearchObserver interface {
	ObserveSearch(results int, duration time.Duration, err error)
}

type noopSearchObserver struct{}

func (noopSearchObserver) ObserveSearch(int, time.Duration, error) {}

// SearcherConfig describes the dependencies of the search engine.
type SearcherConfig struct {
	Database     *gorm.DB
	RoomState    *homeserver.Store
	Config       Config
	SpamCheckers *SpamCheckerChain
	Logger       *zap.Logger
	Observer     SearchObserver
	Clock        func() time.Time
}

// Searcher answers user directory queries. It only reads.
type Searcher struct {
	db       *gorm.DB
	rooms    *homeserver.Store
	config   Config
	spam     *SpamCheckerChain
	logger   *zap.Logger
	observer SearchObserver
	clock    func() time.Time
}

// NewSearcher constructs the search engine.
func NewSearcher(cfg SearcherConfig) (*Searcher, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewSearcher, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.RoomState == nil {
		return nil, newServiceError(opNewSearcher, reasonMissingRooms, errMissingRoomState)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopSearchObserver{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Searcher{
		db:       cfg.Database,
		rooms:    cfg.RoomState,
		config:   cfg.Config,
		spam:     cfg.SpamCheckers,
		logger:   logger,
		observer: observer,
		clock:    clock,
	}, nil
}

type candidate struct {
	profile DirectoryProfile
	local   bool
	quality int
}

// SearchUsers returns up to limit users visible to searcherID whose id or display name
// matches term, best matches first. Limited reports whether more matches existed.
func (s *Searcher) SearchUsers(ctx context.Context, searcherID, term string, limit int) (SearchResult, error) {
	started := s.clock()
	result, err := s.search(ctx, searcherID, term, limit)
	s.observer.ObserveSearch(len(result.Results), s.clock().Sub(started), err)
	if err != nil {
		logError(s.logger, opSearchUsers, reasonQueryFailed, err, zap.String(logFieldSearcherID, searcherID))
		return SearchResult{Results: []UserResult{}}, err
	}
	s.logger.Debug("user directory search",
		zap.String(logFieldSearcherID, searcherID),
		zap.Int(logFieldResultCount, len(result.Results)),
		zap.Bool("limited", result.Limited))
	return result, nil
}

func (s *Searcher) search(ctx context.Context, searcherID, term string, limit int) (SearchResult, error) {
	empty := SearchResult{Results: []UserResult{}}
	config := s.config
	normalized := normalizeTerm(term)
	if !config.Enabled || limit <= 0 || normalized == "" {
		return empty, nil
	}

	var profiles []DirectoryProfile
	searcherKnown := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		known, err := searcherExists(ctx, s.rooms.WithTx(tx), searcherID)
		if err != nil || !known {
			return err
		}
		searcherKnown = true

		pattern := "%" + escapeLike(normalized) + "%"
		query := tx.Model(&DirectoryProfile{}).
			Where(queryNotSearcher, searcherID).
			Where(queryMatchesTerm, pattern, pattern)
		if !config.SearchAllUsers {
			query = query.Where(queryVisibleToUser, searcherID)
		}
		return query.Order(orderUserIDAsc).Find(&profiles).Error
	})
	if err != nil {
		return empty, newServiceError(opSearchUsers, reasonQueryFailed, err)
	}
	if !searcherKnown {
		return empty, nil
	}

	candidates := make([]candidate, 0, len(profiles))
	for _, profile := range profiles {
		candidates = append(candidates, candidate{
			profile: profile,
			local:   s.rooms.IsLocal(profile.UserID),
			quality: matchQuality(profile, normalized),
		})
	}
	rank(candidates, config.PreferLocalUsers)

	accepted := make([]UserResult, 0, min(limit+1, len(candidates)))
	for _, c := range candidates {
		result := UserResult{
			UserID:      c.profile.UserID,
			DisplayName: c.profile.DisplayName,
			AvatarURL:   c.profile.AvatarURL,
		}
		if s.spam.IsSpammy(ctx, result) {
			continue
		}
		accepted = append(accepted, result)
		if len(accepted) > limit {
			break
		}
	}

	if len(accepted) > limit {
		return SearchResult{Results: accepted[:limit], Limited: true}, nil
	}
	return SearchResult{Results: accepted, Limited: false}, nil
}

// searcherExists reports whether a user may search: remote users always may, local
// users need an active account of any type. Malformed ids never may.
func searcherExists(ctx context.Context, rooms *homeserver.Store, userID string) (bool, error) {
	if _, _, err := homeserver.ParseUserID(userID); err != nil {
		return false, nil
	}
	if !rooms.IsLocal(userID) {
		return true, nil
	}
	account, found, err := rooms.Account(ctx, userID)
	if err != nil {
		return false, err
	}
	return found && !account.Deactivated, nil
}

// rank orders candidates by locality (when preferred), match quality, then user id.
func rank(candidates []candidate, preferLocal bool) {
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		if preferLocal && a.local != b.local {
			if a.local {
				return -1
			}
			return 1
		}
		if a.quality != b.quality {
			return cmp.Compare(a.quality, b.quality)
		}
		return strings.Compare(a.profile.UserID, b.profile.UserID)
	})
}

func matchQuality(profile DirectoryProfile, term string) int {
	localpart := strings.ToLower(homeserver.Localpart(profile.UserID))
	displayName := strings.ToLower(strings.TrimSpace(profile.DisplayName))
	userID := strings.ToLower(profile.UserID)

	if localpart == term || displayName == term || userID == term {
		return matchExact
	}
	if strings.HasPrefix(localpart, term) || strings.HasPrefix(userID, term) {
		return matchPrefix
	}
	for _, word := range strings.Fields(displayName) {
		if strings.HasPrefix(word, term) {
			return matchPrefix
		}
	}
	return matchSubstring
}

func normalizeTerm(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return replacer.Replace(value)
}
