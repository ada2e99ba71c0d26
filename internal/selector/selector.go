package selector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anacrolix/torrent/metainfo"

	"mlm/internal/budget"
	"mlm/internal/config"
	"mlm/internal/formats"
	"mlm/internal/identity"
	"mlm/internal/logging"
	"mlm/internal/mam"
	"mlm/internal/qbit"
	"mlm/internal/store"
)

// errSpecBudgetExhausted ends a spec's tick once the unsat buffer binds.
var errSpecBudgetExhausted = errors.New("spec budget exhausted")

// Selector turns configured search specs into committed grabs, gated by the
// budget oracle and deduplicated against the ledger and the library.
type Selector struct {
	cfg     *config.Config
	store   *store.Store
	tracker mam.Tracker
	qbits   []*qbit.Instance
	logger  *slog.Logger
}

// New constructs the selector loop.
func New(cfg *config.Config, st *store.Store, tracker mam.Tracker, qbits []*qbit.Instance, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Selector{
		cfg:     cfg,
		store:   st,
		tracker: tracker,
		qbits:   qbits,
		logger:  logger.With(logging.String(logging.FieldComponent, "selector")),
	}
}

// Tick refreshes the budget snapshot once, then runs every configured spec.
// Spec failures are logged and never abort the other specs.
func (s *Selector) Tick(ctx context.Context) (int, error) {
	status, err := s.tracker.UserStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("user status: %w", err)
	}
	oracle := budget.NewOracle(s.cfg, status)
	s.logger.Debug("budget snapshot",
		logging.Uint64("unsat_used", status.UnsatUsed),
		logging.Uint64("unsat_limit", status.UnsatLimit),
		logging.Uint64("wedges", status.Wedges),
		logging.Float64("ratio", status.Ratio),
	)

	grabbed := 0
	for i := range s.cfg.Autograbs {
		spec := &s.cfg.Autograbs[i]
		count, err := s.RunSpec(ctx, oracle, spec)
		grabbed += count
		if err != nil {
			if ctx.Err() != nil {
				return grabbed, ctx.Err()
			}
			s.logger.Warn("spec tick failed",
				logging.String(logging.FieldSpec, specName(spec, i)),
				logging.Error(err),
			)
		}
	}
	return grabbed, nil
}

// RunSpec consumes one spec's candidate stream until it is exhausted or a
// budget stop binds. Returns the number of committed grabs.
func (s *Selector) RunSpec(ctx context.Context, oracle *budget.Oracle, spec *config.SearchSpec) (int, error) {
	logger := s.logger
	if spec.Name != "" {
		logger = logger.With(logging.String(logging.FieldSpec, spec.Name))
	}

	remaining := -1
	if spec.MaxActiveDownloads != nil {
		active, err := s.store.CountActiveForSpec(ctx, spec.Name)
		if err != nil {
			return 0, err
		}
		if active >= *spec.MaxActiveDownloads {
			logger.Debug("max active downloads reached", logging.Uint64("active", active))
			return 0, nil
		}
		remaining = int(*spec.MaxActiveDownloads - active)
	}

	source := mam.NewSource(s.tracker, spec)
	grabbed := 0
	for {
		if err := ctx.Err(); err != nil {
			return grabbed, err
		}
		if remaining >= 0 && grabbed >= remaining {
			return grabbed, nil
		}
		candidate, err := source.Next(ctx)
		if err != nil {
			return grabbed, fmt.Errorf("next candidate: %w", err)
		}
		if candidate == nil {
			return grabbed, nil
		}

		committed, err := s.consider(ctx, oracle, spec, candidate, logger)
		if errors.Is(err, errSpecBudgetExhausted) {
			logger.Debug("budget deny ends spec tick", logging.Int64(logging.FieldMamID, candidate.MamID))
			return grabbed, nil
		}
		if err != nil {
			logger.Warn("candidate failed",
				logging.Int64(logging.FieldMamID, candidate.MamID),
				logging.Error(err),
			)
			continue
		}
		if committed {
			grabbed++
		}
	}
}

// consider applies the fine filters and, when everything lines up, commits
// the grab. The returned bool reports whether a grab was committed.
func (s *Selector) consider(ctx context.Context, oracle *budget.Oracle, spec *config.SearchSpec, candidate *mam.CandidateTorrent, logger *slog.Logger) (bool, error) {
	for _, ignored := range s.cfg.IgnoreTorrents {
		if ignored == candidate.MamID {
			return false, nil
		}
	}

	if entry, err := s.store.ReadLedger(ctx, candidate.MamID); err != nil {
		return false, err
	} else if entry != nil {
		return false, nil
	}
	if tracked, err := s.store.FindByMam(ctx, candidate.MamID); err != nil {
		return false, err
	} else if tracked != nil {
		return false, nil
	}

	preferred := s.cfg.PreferredTypes(string(candidate.MainCat))
	candidateRank, ok := formats.Rank(preferred, candidate.Filetypes)
	if !ok {
		logger.Debug("no wanted formats",
			logging.Int64(logging.FieldMamID, candidate.MamID),
			logging.Any("filetypes", candidate.Filetypes),
		)
		return false, nil
	}

	dominated, err := s.dominatedByOwned(ctx, candidate, candidateRank, preferred)
	if err != nil {
		return false, err
	}
	if dominated {
		return false, nil
	}

	cost, ok := oracle.ChooseCost(spec, candidate)
	if !ok {
		return false, nil
	}

	decision := oracle.MayGrab(cost, spec, candidate.SizeBytes)
	if !decision.Allowed {
		if decision.Reason == budget.ReasonUnsat {
			return false, errSpecBudgetExhausted
		}
		logger.Debug("budget deny",
			logging.Int64(logging.FieldMamID, candidate.MamID),
			logging.String("reason", decision.Reason),
		)
		return false, nil
	}

	if spec.DryRun {
		event := store.NewEvent(store.EventGrabbed, "", candidate.MamID, map[string]any{
			"dry_run": true,
			"title":   candidate.Title,
			"cost":    string(cost),
			"spec":    spec.Name,
		})
		if err := s.store.AppendEvent(ctx, event); err != nil {
			return false, err
		}
		logger.Info("dry run grab",
			logging.Int64(logging.FieldMamID, candidate.MamID),
			logging.String("title", candidate.Title),
		)
		return true, nil
	}

	wedged := false
	if cost == store.CostWedge {
		if err := s.tracker.ApplyWedge(ctx, candidate.MamID); err != nil {
			if spec.CostPolicy == config.CostTryWedge {
				logger.Warn("wedge failed, falling back to ratio",
					logging.Int64(logging.FieldMamID, candidate.MamID),
					logging.Error(err),
				)
				cost = store.CostRatio
				decision = oracle.MayGrab(cost, spec, candidate.SizeBytes)
				if !decision.Allowed {
					if decision.Reason == budget.ReasonUnsat {
						return false, errSpecBudgetExhausted
					}
					return false, nil
				}
			} else {
				errEvent := store.NewEvent(store.EventError, "", candidate.MamID, map[string]any{
					"kind":    "wedge",
					"message": err.Error(),
				})
				if appendErr := s.store.AppendEvent(ctx, errEvent); appendErr != nil {
					logger.Warn("error event write failed", logging.Error(appendErr))
				}
				return false, fmt.Errorf("apply wedge: %w", err)
			}
		} else {
			wedged = true
		}
	}

	torrentBytes, err := s.fetchTorrentFile(ctx, candidate.DownloadToken)
	if err != nil {
		return false, fmt.Errorf("fetch torrent: %w", err)
	}
	info, err := metainfo.Load(bytes.NewReader(torrentBytes))
	if err != nil {
		return false, fmt.Errorf("parse torrent file: %w", err)
	}
	hash := info.HashInfoBytes().HexString()

	category, tags := s.routeCandidate(spec, candidate)

	meta := candidate.Meta()
	meta.InfoHash = hash
	meta.Cost = cost
	meta.CreatedAt = time.Now().UTC()
	tracked := &store.TrackedTorrent{
		TorrentMeta: meta,
		TitleSearch: identity.Normalize(candidate.Title),
		Category:    category,
		Tags:        tags,
	}
	entry := store.LedgerEntry{MamID: candidate.MamID, Cost: cost, Spec: spec.Name}
	event := store.NewEvent(store.EventGrabbed, hash, candidate.MamID, map[string]any{
		"title":  candidate.Title,
		"cost":   string(cost),
		"wedged": wedged,
		"spec":   spec.Name,
	})
	if err := s.store.CommitGrab(ctx, tracked, entry, event); err != nil {
		return false, fmt.Errorf("commit grab: %w", err)
	}

	logger.Info("grabbed torrent",
		logging.Int64(logging.FieldMamID, candidate.MamID),
		logging.String(logging.FieldHash, hash),
		logging.String("title", candidate.Title),
		logging.String("cost", string(cost)),
		logging.String("category", category),
	)

	if len(s.qbits) > 0 {
		instance := s.qbits[0]
		err := instance.Client.Add(ctx, torrentBytes, qbit.AddOptions{
			Category: category,
			Tags:     tags,
			Paused:   s.cfg.AddTorrentsStopped,
		})
		if err != nil {
			// The torrent stays tracked and the ledger keeps later ticks
			// from re-grabbing it; the failed client add is not retried.
			logger.Warn("torrent client add failed",
				logging.String(logging.FieldHash, hash),
				logging.Error(err),
			)
		}
	}

	oracle.CommitGrab(cost, candidate.SizeBytes)
	return true, nil
}

// dominatedByOwned reports whether an already-selected or owned torrent with
// the same identity carries the same or a better format rank.
func (s *Selector) dominatedByOwned(ctx context.Context, candidate *mam.CandidateTorrent, candidateRank int, preferred []string) (bool, error) {
	key := identity.NewKey(candidate.Title, candidate.Authors, seriesNames(candidate.Series))
	owned, err := s.store.Tracked(ctx, store.Filter{
		TitleSearch: key.Title,
		MainCat:     candidate.MainCat,
		Live:        true,
	})
	if err != nil {
		return false, err
	}
	for _, existing := range owned {
		existingKey := identity.NewKey(existing.Title, existing.Authors, existing.SeriesNames())
		if !identity.SameWork(key, existingKey) {
			continue
		}
		existingRank, ok := formats.Rank(preferred, existing.Filetypes)
		if ok && existingRank <= candidateRank {
			return true, nil
		}
		// Worse rank: the candidate is a supersession candidate and may
		// proceed; the cleaner retires the old torrent after linking.
	}
	return false, nil
}

// routeCandidate resolves the qbit category and tag set: the spec's own
// category wins over [[tag]] categories for torrents it grabs; tags are the
// union of every matching rule.
func (s *Selector) routeCandidate(spec *config.SearchSpec, candidate *mam.CandidateTorrent) (string, []string) {
	category := spec.Category
	var tags []string
	seen := map[string]struct{}{}
	for i := range s.cfg.Tags {
		rule := &s.cfg.Tags[i]
		if !mam.MatchesFilter(&rule.Filter, candidate) {
			continue
		}
		if category == "" && rule.Category != "" {
			category = rule.Category
		}
		for _, tag := range rule.Tags {
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return category, tags
}

// fetchTorrentFile retries once after a rate-limit response.
func (s *Selector) fetchTorrentFile(ctx context.Context, token string) ([]byte, error) {
	data, err := s.tracker.GetTorrentFile(ctx, token)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, mam.ErrRateLimited) {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
	}
	return s.tracker.GetTorrentFile(ctx, token)
}

func seriesNames(series []store.Series) []string {
	names := make([]string, 0, len(series))
	for _, s := range series {
		names = append(names, s.Name)
	}
	return names
}

func specName(spec *config.SearchSpec, index int) string {
	if spec.Name != "" {
		return spec.Name
	}
	return fmt.Sprintf("%d", index)
}
