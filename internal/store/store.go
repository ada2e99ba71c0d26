package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mlm/internal/config"
)

// ErrReplacementCycle is returned when MarkReplaced would create a cycle in
// the replaced_with chain.
var ErrReplacementCycle = errors.New("replacement would create a cycle")

// Store manages torrent, ledger, and event persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.DatabasePath())
}

// OpenPath opens a database at an explicit location (used in tests).
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertTracked writes a tracked torrent, keyed by info hash.
func (s *Store) UpsertTracked(ctx context.Context, torrent *TrackedTorrent) error {
	if torrent == nil {
		return errors.New("torrent is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := upsertTrackedTx(ctx, tx, torrent); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertTrackedTx(ctx context.Context, tx *sql.Tx, torrent *TrackedTorrent) error {
	now := time.Now().UTC()
	torrent.UpdatedAt = now
	if torrent.CreatedAt.IsZero() {
		torrent.CreatedAt = now
	}

	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO torrents (
            hash, mam_id, main_cat, title, title_search,
            authors_json, narrators_json, series_json, language, filetypes_json,
            size_bytes, flags_json, cost, download_dir, category, tags_json,
            library_path, library_files_json, selected_audio_format, selected_ebook_format,
            replaced_with, replaced_at, error_message, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(hash) DO UPDATE SET
            mam_id = excluded.mam_id,
            main_cat = excluded.main_cat,
            title = excluded.title,
            title_search = excluded.title_search,
            authors_json = excluded.authors_json,
            narrators_json = excluded.narrators_json,
            series_json = excluded.series_json,
            language = excluded.language,
            filetypes_json = excluded.filetypes_json,
            size_bytes = excluded.size_bytes,
            flags_json = excluded.flags_json,
            cost = excluded.cost,
            download_dir = excluded.download_dir,
            category = excluded.category,
            tags_json = excluded.tags_json,
            library_path = excluded.library_path,
            library_files_json = excluded.library_files_json,
            selected_audio_format = excluded.selected_audio_format,
            selected_ebook_format = excluded.selected_ebook_format,
            replaced_with = excluded.replaced_with,
            replaced_at = excluded.replaced_at,
            error_message = excluded.error_message,
            updated_at = excluded.updated_at`,
		torrent.InfoHash,
		torrent.MamID,
		string(torrent.MainCat),
		torrent.Title,
		torrent.TitleSearch,
		marshalJSON(torrent.Authors),
		marshalJSON(torrent.Narrators),
		marshalJSON(torrent.Series),
		torrent.Language,
		marshalJSON(torrent.Filetypes),
		torrent.SizeBytes,
		marshalJSON(torrent.Flags),
		string(torrent.Cost),
		torrent.DownloadDir,
		torrent.Category,
		marshalJSON(torrent.Tags),
		nullableString(torrent.LibraryPath),
		marshalJSON(torrent.LibraryFiles),
		torrent.SelectedAudioFormat,
		torrent.SelectedEbookFormat,
		nullableString(torrent.ReplacedWith),
		nullableTime(torrent.ReplacedAt),
		torrent.ErrorMessage,
		torrent.CreatedAt.UTC().Format(sortableTime),
		torrent.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert torrent: %w", err)
	}
	return nil
}

// FindByHash fetches a tracked torrent by info hash; nil when absent.
func (s *Store) FindByHash(ctx context.Context, hash string) (*TrackedTorrent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+torrentColumns+` FROM torrents WHERE hash = ?`, hash)
	torrent, err := scanTorrent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	return torrent, nil
}

// FindByMam fetches the live tracked torrent for a tracker id; nil when absent.
func (s *Store) FindByMam(ctx context.Context, mamID int64) (*TrackedTorrent, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+torrentColumns+` FROM torrents WHERE mam_id = ? AND replaced_with IS NULL LIMIT 1`,
		mamID,
	)
	torrent, err := scanTorrent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by mam id: %w", err)
	}
	return torrent, nil
}

// Tracked returns torrents matching the filter, ordered by creation time.
func (s *Store) Tracked(ctx context.Context, filter Filter) ([]*TrackedTorrent, error) {
	query := `SELECT ` + torrentColumns + ` FROM torrents`
	var clauses []string
	var args []any

	if filter.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.DownloadDir != "" {
		clauses = append(clauses, "download_dir = ?")
		args = append(args, filter.DownloadDir)
	}
	if filter.TitleSearch != "" {
		clauses = append(clauses, "title_search = ?")
		args = append(args, filter.TitleSearch)
	}
	if filter.MainCat != "" {
		clauses = append(clauses, "main_cat = ?")
		args = append(args, string(filter.MainCat))
	}
	if filter.HasLibraryPath != nil {
		if *filter.HasLibraryPath {
			clauses = append(clauses, "library_path IS NOT NULL")
		} else {
			clauses = append(clauses, "library_path IS NULL")
		}
	}
	if filter.Live {
		clauses = append(clauses, "replaced_with IS NULL")
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list torrents: %w", err)
	}
	defer rows.Close()

	var torrents []*TrackedTorrent
	for rows.Next() {
		torrent, err := scanTorrent(rows)
		if err != nil {
			return nil, err
		}
		torrents = append(torrents, torrent)
	}
	return torrents, rows.Err()
}

// SetLibrary persists a successful link: destination path, relative file
// list, and the chosen formats.
func (s *Store) SetLibrary(ctx context.Context, hash, path string, files []string, audioFormat, ebookFormat string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE torrents
         SET library_path = ?, library_files_json = ?, selected_audio_format = ?,
             selected_ebook_format = ?, error_message = '', updated_at = ?
         WHERE hash = ?`,
		nullableString(path),
		marshalJSON(files),
		audioFormat,
		ebookFormat,
		time.Now().UTC().Format(time.RFC3339Nano),
		hash,
	)
	if err != nil {
		return fmt.Errorf("set library: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set library: no torrent with hash %s", hash)
	}
	return nil
}

// MarkReplaced records that newHash supersedes oldHash and clears the old
// torrent's library state, in one transaction. The replacement chain from
// newHash is chased inside the transaction; reaching oldHash fails with
// ErrReplacementCycle.
func (s *Store) MarkReplaced(ctx context.Context, oldHash, newHash string) error {
	if oldHash == newHash {
		return ErrReplacementCycle
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cursor := newHash
	for cursor != "" {
		var next sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT replaced_with FROM torrents WHERE hash = ?`, cursor)
		if err := row.Scan(&next); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return fmt.Errorf("chase replacement chain: %w", err)
		}
		if !next.Valid || next.String == "" {
			break
		}
		if next.String == oldHash {
			return ErrReplacementCycle
		}
		cursor = next.String
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE torrents
         SET replaced_with = ?, replaced_at = ?, library_path = NULL,
             library_files_json = '[]', updated_at = ?
         WHERE hash = ?`,
		newHash,
		now,
		now,
		oldHash,
	)
	if err != nil {
		return fmt.Errorf("mark replaced: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("mark replaced: no torrent with hash %s", oldHash)
	}
	return tx.Commit()
}

// SetTorrentError attaches a permanent per-torrent error message.
func (s *Store) SetTorrentError(ctx context.Context, hash, message string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE torrents SET error_message = ?, updated_at = ? WHERE hash = ?`,
		message,
		time.Now().UTC().Format(time.RFC3339Nano),
		hash,
	)
	if err != nil {
		return fmt.Errorf("set torrent error: %w", err)
	}
	return nil
}

// ClearTorrentError removes a torrent's error so the loops retry it.
func (s *Store) ClearTorrentError(ctx context.Context, hash string) error {
	return s.SetTorrentError(ctx, hash, "")
}

// Errored lists torrents carrying a permanent error message.
func (s *Store) Errored(ctx context.Context) ([]*TrackedTorrent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+torrentColumns+` FROM torrents WHERE error_message != '' ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list errored: %w", err)
	}
	defer rows.Close()

	var torrents []*TrackedTorrent
	for rows.Next() {
		torrent, err := scanTorrent(rows)
		if err != nil {
			return nil, err
		}
		torrents = append(torrents, torrent)
	}
	return torrents, rows.Err()
}

// Health aggregates torrent state for status output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	health := HealthSummary{}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1),
                COALESCE(SUM(CASE WHEN library_path IS NOT NULL THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN replaced_with IS NOT NULL THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN error_message != '' THEN 1 ELSE 0 END), 0)
         FROM torrents`,
	)
	if err := row.Scan(&health.Total, &health.Linked, &health.Replaced, &health.Errored); err != nil {
		return HealthSummary{}, fmt.Errorf("torrent health: %w", err)
	}
	return health, nil
}

const torrentColumns = "hash, mam_id, main_cat, title, title_search, authors_json, narrators_json, series_json, language, filetypes_json, size_bytes, flags_json, cost, download_dir, category, tags_json, library_path, library_files_json, selected_audio_format, selected_ebook_format, replaced_with, replaced_at, error_message, created_at, updated_at"

func scanTorrent(scanner interface{ Scan(dest ...any) error }) (*TrackedTorrent, error) {
	var (
		hash          string
		mamID         int64
		mainCat       string
		title         string
		titleSearch   string
		authorsJSON   string
		narratorsJSON string
		seriesJSON    string
		language      string
		filetypesJSON string
		sizeBytes     int64
		flagsJSON     string
		cost          string
		downloadDir   string
		category      string
		tagsJSON      string
		libraryPath   sql.NullString
		filesJSON     string
		audioFormat   string
		ebookFormat   string
		replacedWith  sql.NullString
		replacedRaw   sql.NullString
		errorMessage  string
		createdRaw    string
		updatedRaw    string
	)

	if err := scanner.Scan(
		&hash,
		&mamID,
		&mainCat,
		&title,
		&titleSearch,
		&authorsJSON,
		&narratorsJSON,
		&seriesJSON,
		&language,
		&filetypesJSON,
		&sizeBytes,
		&flagsJSON,
		&cost,
		&downloadDir,
		&category,
		&tagsJSON,
		&libraryPath,
		&filesJSON,
		&audioFormat,
		&ebookFormat,
		&replacedWith,
		&replacedRaw,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	torrent := &TrackedTorrent{
		TorrentMeta: TorrentMeta{
			MamID:     mamID,
			InfoHash:  hash,
			MainCat:   MainCat(mainCat),
			Title:     title,
			Language:  language,
			SizeBytes: sizeBytes,
			Cost:      CostKind(cost),
		},
		TitleSearch:         titleSearch,
		DownloadDir:         downloadDir,
		Category:            category,
		LibraryPath:         libraryPath.String,
		SelectedAudioFormat: audioFormat,
		SelectedEbookFormat: ebookFormat,
		ReplacedWith:        replacedWith.String,
		ErrorMessage:        errorMessage,
	}

	unmarshalJSON(authorsJSON, &torrent.Authors)
	unmarshalJSON(narratorsJSON, &torrent.Narrators)
	unmarshalJSON(seriesJSON, &torrent.Series)
	unmarshalJSON(filetypesJSON, &torrent.Filetypes)
	unmarshalJSON(flagsJSON, &torrent.Flags)
	unmarshalJSON(tagsJSON, &torrent.Tags)
	unmarshalJSON(filesJSON, &torrent.LibraryFiles)

	if created, err := parseTimeString(createdRaw); err == nil {
		torrent.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		torrent.UpdatedAt = updated
	}
	if replacedRaw.Valid {
		if replaced, err := parseTimeString(replacedRaw.String); err == nil {
			torrent.ReplacedAt = &replaced
		}
	}
	return torrent, nil
}

func marshalJSON(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(data)
}

func unmarshalJSON(data string, target any) {
	if data == "" {
		return
	}
	_ = json.Unmarshal([]byte(data), target)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
