package selector_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"mlm/internal/config"
	"mlm/internal/mam"
	"mlm/internal/qbit"
	"mlm/internal/selector"
	"mlm/internal/store"
	"mlm/internal/testsupport"
)

type fakeTracker struct {
	status     mam.UserStatus
	pages      [][]mam.CandidateTorrent
	wedgeErr   error
	wedgeCalls int
}

func (f *fakeTracker) Search(_ context.Context, _ *config.SearchSpec, page int) ([]mam.CandidateTorrent, error) {
	if page-1 >= len(f.pages) {
		return nil, nil
	}
	return f.pages[page-1], nil
}

func (f *fakeTracker) GetTorrentFile(_ context.Context, token string) ([]byte, error) {
	return torrentBytes(token), nil
}

func (f *fakeTracker) ApplyWedge(context.Context, int64) error {
	f.wedgeCalls++
	return f.wedgeErr
}

func (f *fakeTracker) UserStatus(context.Context) (mam.UserStatus, error) {
	return f.status, nil
}

type addCall struct {
	opts qbit.AddOptions
}

type fakeQbit struct {
	adds []addCall
}

func (f *fakeQbit) List(context.Context) ([]qbit.Torrent, error)               { return nil, nil }
func (f *fakeQbit) Files(context.Context, string) ([]qbit.TorrentFile, error) { return nil, nil }
func (f *fakeQbit) SetCategory(context.Context, string, string) error          { return nil }
func (f *fakeQbit) AddTags(context.Context, string, []string) error            { return nil }
func (f *fakeQbit) Delete(context.Context, string, bool) error                 { return nil }

func (f *fakeQbit) Add(_ context.Context, _ []byte, opts qbit.AddOptions) error {
	f.adds = append(f.adds, addCall{opts: opts})
	return nil
}

// torrentBytes builds a minimal valid .torrent payload whose info hash is
// stable per token.
func torrentBytes(token string) []byte {
	info := metainfo.Info{
		Name:        "payload-" + token,
		PieceLength: 16384,
		Pieces:      make([]byte, 20),
		Files:       []metainfo.FileInfo{{Length: 1, Path: []string{"a.m4b"}}},
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		panic(err)
	}
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func hashFor(token string) string {
	mi, err := metainfo.Load(bytes.NewReader(torrentBytes(token)))
	if err != nil {
		panic(err)
	}
	return mi.HashInfoBytes().HexString()
}

func audioCandidate(id int64, title string) mam.CandidateTorrent {
	return mam.CandidateTorrent{
		MamID:           id,
		Title:           title,
		Authors:         []string{"Brandon Sanderson"},
		MainCat:         store.MainCatAudio,
		Language:        "en",
		Filetypes:       []string{"m4b"},
		SizeBytes:       1 << 20,
		GlobalFreeleech: true,
		DownloadToken:   fmt.Sprintf("token-%d", id),
	}
}

func newSelector(t *testing.T, tracker *fakeTracker, client *fakeQbit, mutate func(*config.Config)) (*selector.Selector, *store.Store, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	st := testsupport.MustOpenStore(t, cfg)
	var qbits []*qbit.Instance
	if client != nil {
		qbits = []*qbit.Instance{{Client: client}}
	}
	return selector.New(cfg, st, tracker, qbits, nil), st, cfg
}

func TestTickCommitsGrab(t *testing.T) {
	tracker := &fakeTracker{
		status: mam.UserStatus{UnsatLimit: 50},
		pages:  [][]mam.CandidateTorrent{{audioCandidate(7, "The Way of Kings")}},
	}
	client := &fakeQbit{}
	sel, st, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "test", Type: config.SearchNew, CostPolicy: config.CostFreeOnly, MaxPages: 1,
		}}
		cfg.Tags = []config.TagRule{
			{Category: "audiobooks", Tags: []string{"mlm"}},
			{Tags: []string{"auto", "mlm"}},
		}
	})

	grabbed, err := sel.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if grabbed != 1 {
		t.Fatalf("expected 1 grab, got %d", grabbed)
	}

	ctx := context.Background()
	entry, err := st.ReadLedger(ctx, 7)
	if err != nil || entry == nil {
		t.Fatalf("ledger entry missing: %v %v", entry, err)
	}
	if entry.Cost != store.CostGlobalFreeleech || entry.Spec != "test" {
		t.Fatalf("unexpected ledger entry: %#v", entry)
	}

	wantHash := hashFor("token-7")
	tracked, err := st.FindByHash(ctx, wantHash)
	if err != nil || tracked == nil {
		t.Fatalf("tracked torrent missing: %v %v", tracked, err)
	}
	if tracked.Category != "audiobooks" {
		t.Fatalf("unexpected category: %q", tracked.Category)
	}

	events, err := st.Events(ctx, 10, store.EventGrabbed)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one Grabbed event, got %v %v", events, err)
	}

	if len(client.adds) != 1 {
		t.Fatalf("expected one qbit add, got %d", len(client.adds))
	}
	opts := client.adds[0].opts
	if opts.Category != "audiobooks" {
		t.Fatalf("unexpected add category: %q", opts.Category)
	}
	if len(opts.Tags) != 2 { // union of "mlm" and "auto", deduplicated
		t.Fatalf("unexpected add tags: %#v", opts.Tags)
	}
}

func TestSpecCategoryOverridesTagRules(t *testing.T) {
	tracker := &fakeTracker{
		status: mam.UserStatus{UnsatLimit: 50},
		pages:  [][]mam.CandidateTorrent{{audioCandidate(8, "Elantris")}},
	}
	client := &fakeQbit{}
	sel, _, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "test", Type: config.SearchNew, CostPolicy: config.CostFreeOnly,
			MaxPages: 1, Category: "from-spec",
		}}
		cfg.Tags = []config.TagRule{{Category: "from-tag"}}
	})

	if _, err := sel.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(client.adds) != 1 || client.adds[0].opts.Category != "from-spec" {
		t.Fatalf("spec category must win: %#v", client.adds)
	}
}

func TestUnsatBudgetStopsSpec(t *testing.T) {
	pages := make([]mam.CandidateTorrent, 0, 5)
	for i := int64(1); i <= 5; i++ {
		pages = append(pages, audioCandidate(i, fmt.Sprintf("Title %d", i)))
	}
	tracker := &fakeTracker{
		status: mam.UserStatus{UnsatUsed: 8, UnsatLimit: 10},
		pages:  [][]mam.CandidateTorrent{pages},
	}
	client := &fakeQbit{}
	buffer := uint64(10)
	sel, st, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "test", Type: config.SearchNew, CostPolicy: config.CostFreeOnly,
			MaxPages: 1, UnsatBuffer: &buffer,
		}}
	})

	grabbed, err := sel.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if grabbed != 0 {
		t.Fatalf("expected 0 grabs, got %d", grabbed)
	}
	for i := int64(1); i <= 5; i++ {
		if entry, err := st.ReadLedger(context.Background(), i); err != nil || entry != nil {
			t.Fatalf("ledger must stay empty, got %#v err %v", entry, err)
		}
	}
	if len(client.adds) != 0 {
		t.Fatalf("expected no qbit adds, got %d", len(client.adds))
	}
}

func TestDryRunEmitsSyntheticEvents(t *testing.T) {
	tracker := &fakeTracker{
		status: mam.UserStatus{UnsatLimit: 50},
		pages: [][]mam.CandidateTorrent{{
			audioCandidate(1, "One"),
			audioCandidate(2, "Two"),
			audioCandidate(3, "Three"),
		}},
	}
	client := &fakeQbit{}
	sel, st, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "dry", Type: config.SearchNew, CostPolicy: config.CostFreeOnly,
			MaxPages: 1, DryRun: true,
		}}
	})

	if _, err := sel.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	events, err := st.Events(context.Background(), 10, store.EventGrabbed)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 Grabbed events, got %d", len(events))
	}
	for _, event := range events {
		if dryRun, _ := event.Payload["dry_run"].(bool); !dryRun {
			t.Fatalf("event missing dry_run payload: %#v", event.Payload)
		}
	}
	if len(client.adds) != 0 {
		t.Fatalf("dry run must not reach the torrent client, got %d adds", len(client.adds))
	}
	for i := int64(1); i <= 3; i++ {
		if entry, _ := st.ReadLedger(context.Background(), i); entry != nil {
			t.Fatalf("dry run must not persist ledger entries: %#v", entry)
		}
	}
}

func TestOwnedBetterFormatSkipsCandidate(t *testing.T) {
	candidate := audioCandidate(20, "The Way of Kings")
	candidate.Filetypes = []string{"mp3"}
	tracker := &fakeTracker{
		status: mam.UserStatus{UnsatLimit: 50},
		pages:  [][]mam.CandidateTorrent{{candidate}},
	}
	client := &fakeQbit{}
	sel, st, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "test", Type: config.SearchNew, CostPolicy: config.CostFreeOnly, MaxPages: 1,
		}}
	})

	owned := testsupport.NewTracked("hash-owned", 19, "The Way of Kings",
		testsupport.WithAuthors("Brandon Sanderson"),
		testsupport.WithFiletypes("m4b"))
	if err := st.UpsertTracked(context.Background(), owned); err != nil {
		t.Fatalf("seed owned torrent: %v", err)
	}

	grabbed, err := sel.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if grabbed != 0 {
		t.Fatalf("mp3 candidate must lose to owned m4b, got %d grabs", grabbed)
	}
}

func TestOwnedWorseFormatAllowsSupersession(t *testing.T) {
	candidate := audioCandidate(21, "The Way of Kings")
	candidate.Filetypes = []string{"m4b"}
	tracker := &fakeTracker{
		status: mam.UserStatus{UnsatLimit: 50},
		pages:  [][]mam.CandidateTorrent{{candidate}},
	}
	client := &fakeQbit{}
	sel, st, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "test", Type: config.SearchNew, CostPolicy: config.CostFreeOnly, MaxPages: 1,
		}}
	})

	owned := testsupport.NewTracked("hash-owned", 19, "The Way of Kings",
		testsupport.WithAuthors("Brandon Sanderson"),
		testsupport.WithFiletypes("mp3"))
	if err := st.UpsertTracked(context.Background(), owned); err != nil {
		t.Fatalf("seed owned torrent: %v", err)
	}

	grabbed, err := sel.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if grabbed != 1 {
		t.Fatalf("m4b candidate must supersede owned mp3, got %d grabs", grabbed)
	}
}

func TestTryWedgeFallsBackToRatio(t *testing.T) {
	candidate := audioCandidate(30, "Paid Book")
	candidate.GlobalFreeleech = false
	candidate.SizeBytes = 1 << 30
	tracker := &fakeTracker{
		status: mam.UserStatus{
			UnsatLimit:      50,
			Wedges:          0,
			UploadedBytes:   100 << 30,
			DownloadedBytes: 10 << 30,
		},
		pages: [][]mam.CandidateTorrent{{candidate}},
	}
	client := &fakeQbit{}
	sel, st, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "test", Type: config.SearchNew, CostPolicy: config.CostTryWedge, MaxPages: 1,
		}}
	})

	grabbed, err := sel.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if grabbed != 1 {
		t.Fatalf("expected ratio fallback grab, got %d", grabbed)
	}
	if tracker.wedgeCalls != 0 {
		t.Fatalf("no wedge should be attempted with zero wedges, got %d calls", tracker.wedgeCalls)
	}
	entry, err := st.ReadLedger(context.Background(), 30)
	if err != nil || entry == nil || entry.Cost != store.CostRatio {
		t.Fatalf("expected ratio ledger entry, got %#v err %v", entry, err)
	}
}

func TestTryWedgeSkipsWhenRatioDenied(t *testing.T) {
	candidate := audioCandidate(31, "Huge Paid Book")
	candidate.GlobalFreeleech = false
	candidate.SizeBytes = 100 << 30
	tracker := &fakeTracker{
		status: mam.UserStatus{
			UnsatLimit:      50,
			Wedges:          0,
			UploadedBytes:   50 << 30,
			DownloadedBytes: 10 << 30,
		},
		pages: [][]mam.CandidateTorrent{{candidate}},
	}
	client := &fakeQbit{}
	sel, st, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "test", Type: config.SearchNew, CostPolicy: config.CostTryWedge, MaxPages: 1,
		}}
	})

	grabbed, err := sel.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if grabbed != 0 {
		t.Fatalf("ratio-denied candidate must be skipped, got %d grabs", grabbed)
	}
	if entry, _ := st.ReadLedger(context.Background(), 31); entry != nil {
		t.Fatalf("ledger must stay empty: %#v", entry)
	}
}

func TestWedgeApplyFailureDowngradesForTryWedge(t *testing.T) {
	candidate := audioCandidate(32, "Paid Book")
	candidate.GlobalFreeleech = false
	tracker := &fakeTracker{
		status: mam.UserStatus{
			UnsatLimit:      50,
			Wedges:          5,
			UploadedBytes:   100 << 30,
			DownloadedBytes: 10 << 30,
		},
		pages:    [][]mam.CandidateTorrent{{candidate}},
		wedgeErr: errors.New("wedge rpc failed"),
	}
	client := &fakeQbit{}
	sel, st, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "test", Type: config.SearchNew, CostPolicy: config.CostTryWedge, MaxPages: 1,
		}}
	})

	grabbed, err := sel.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if grabbed != 1 {
		t.Fatalf("expected downgrade to ratio, got %d grabs", grabbed)
	}
	if tracker.wedgeCalls != 1 {
		t.Fatalf("expected one wedge attempt, got %d", tracker.wedgeCalls)
	}
	entry, err := st.ReadLedger(context.Background(), 32)
	if err != nil || entry == nil || entry.Cost != store.CostRatio {
		t.Fatalf("expected ratio ledger entry after downgrade, got %#v err %v", entry, err)
	}
}

func TestMaxActiveDownloadsStopsSpec(t *testing.T) {
	tracker := &fakeTracker{
		status: mam.UserStatus{UnsatLimit: 50},
		pages: [][]mam.CandidateTorrent{{
			audioCandidate(40, "One"),
			audioCandidate(41, "Two"),
			audioCandidate(42, "Three"),
		}},
	}
	client := &fakeQbit{}
	limit := uint64(2)
	sel, _, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "limited", Type: config.SearchNew, CostPolicy: config.CostFreeOnly,
			MaxPages: 1, MaxActiveDownloads: &limit,
		}}
	})

	grabbed, err := sel.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if grabbed != 2 {
		t.Fatalf("expected 2 grabs under max_active_downloads, got %d", grabbed)
	}
}

func TestAlreadyTrackedMamIDIsSkipped(t *testing.T) {
	tracker := &fakeTracker{
		status: mam.UserStatus{UnsatLimit: 50},
		pages:  [][]mam.CandidateTorrent{{audioCandidate(50, "Known")}},
	}
	client := &fakeQbit{}
	sel, st, _ := newSelector(t, tracker, client, func(cfg *config.Config) {
		cfg.Autograbs = []config.SearchSpec{{
			Name: "test", Type: config.SearchNew, CostPolicy: config.CostFreeOnly, MaxPages: 1,
		}}
	})

	seed := testsupport.NewTracked("hash-known", 50, "Known")
	if err := st.UpsertTracked(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	grabbed, err := sel.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if grabbed != 0 || len(client.adds) != 0 {
		t.Fatalf("tracked candidate must be skipped: grabs=%d adds=%d", grabbed, len(client.adds))
	}
}

