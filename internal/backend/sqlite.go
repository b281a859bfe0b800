package backend

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	_ "modernc.org/sqlite"

	"github.com/dot-do/mongosqld/internal/aggregate"
	"github.com/dot-do/mongosqld/internal/bsonutil"
	"github.com/dot-do/mongosqld/internal/cursor"
	"github.com/dot-do/mongosqld/internal/optimize"
	"github.com/dot-do/mongosqld/internal/query"
)

// ErrNamespaceNotFound mirrors the command-level NamespaceNotFound
// error for a missing database/collection.
var ErrNamespaceNotFound = errors.New("backend: namespace not found")

// SQLite is the one local Backend implementation: a single
// modernc.org/sqlite connection holding one document table per
// namespace (named "ns_<db>__<coll>") plus an FTS5 companion table for
// $search. All access is serialized through mu, since the pure-Go
// sqlite driver does not itself arbitrate concurrent writers on one
// connection.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex

	facetConcurrency int
}

// Open creates (or attaches to) the SQLite-backed document store at
// path ("file::memory:?cache=shared" for an ephemeral in-process store).
func Open(path string, facetConcurrency int) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "backend: open sqlite")
	}
	// The pure-Go driver multiplexes concurrent connections over its own
	// internal locking; pinning to one avoids SQLITE_BUSY churn under the
	// server's per-connection-task concurrency model.
	db.SetMaxOpenConns(1)
	if facetConcurrency <= 0 {
		facetConcurrency = 3
	}
	return &SQLite{db: db, facetConcurrency: facetConcurrency}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func tableName(db, coll string) string {
	return fmt.Sprintf("ns_%s__%s", db, coll)
}

// validateNamespace rejects a db/collection pair before either is
// interpolated into a table identifier. Both values come straight off
// the wire (the command dispatcher extracts them from the client's own
// command document), so every method that builds a table name from them
// must check them first, per spec.md's "table and column names are
// taken from trusted server state" invariant.
func validateNamespace(db, coll string) error {
	if err := query.ValidateCollectionName(db); err != nil {
		return err
	}
	return query.ValidateCollectionName(coll)
}

func ftsTableName(db, coll string) string {
	return tableName(db, coll) + "_fts"
}

func (s *SQLite) ensureTable(ctx context.Context, db, coll string) error {
	tbl := tableName(db, coll)
	fts := ftsTableName(db, coll)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (rowid INTEGER PRIMARY KEY, id TEXT UNIQUE, doc TEXT NOT NULL)`, tbl),
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %q USING fts5(body, content='', content_rowid='rowid')`, fts),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "backend: ensure table %s", tbl)
		}
	}
	return nil
}

func (s *SQLite) ListDatabases(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name LIKE 'ns_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		rest := strings.TrimPrefix(name, "ns_")
		if i := strings.Index(rest, "__"); i >= 0 {
			seen[rest[:i]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for db := range seen {
		out = append(out, db)
	}
	sort.Strings(out)
	return out, rows.Err()
}

func (s *SQLite) ListCollections(ctx context.Context, db string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := fmt.Sprintf("ns_%s__", db)
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name LIKE ?`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasSuffix(name, "_fts") || strings.HasSuffix(name, "_fts_data") ||
			strings.HasSuffix(name, "_fts_idx") || strings.HasSuffix(name, "_fts_docsize") ||
			strings.HasSuffix(name, "_fts_config") {
			continue
		}
		out = append(out, strings.TrimPrefix(name, prefix))
	}
	return out, rows.Err()
}

func (s *SQLite) CreateCollection(ctx context.Context, db, coll string, opts bson.D) error {
	if err := validateNamespace(db, coll); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureTable(ctx, db, coll)
}

func (s *SQLite) DropCollection(ctx context.Context, db, coll string) error {
	if err := validateNamespace(db, coll); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, tableName(db, coll)))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, ftsTableName(db, coll)))
	return err
}

func (s *SQLite) DropDatabase(ctx context.Context, db string) error {
	if err := query.ValidateCollectionName(db); err != nil {
		return err
	}
	colls, err := s.ListCollections(ctx, db)
	if err != nil {
		return err
	}
	for _, c := range colls {
		if err := s.DropCollection(ctx, db, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) RenameCollection(ctx context.Context, db, from, to string) error {
	if err := validateNamespace(db, from); err != nil {
		return err
	}
	if err := query.ValidateCollectionName(to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %q RENAME TO %q`, tableName(db, from), tableName(db, to)))
	return err
}

func docID(d bson.D) (string, any) {
	for _, e := range d {
		if e.Key == "_id" {
			return groupKeyString(e.Value), e.Value
		}
	}
	return "", nil
}

// groupKeyString renders a BSON value to a stable string key the same
// way the aggregation stage engine keys $group buckets, so ids compare
// consistently across packages.
func groupKeyString(v any) string {
	b, err := bson.MarshalExtJSON(bson.D{{Key: "k", Value: v}}, true, false)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func (s *SQLite) Insert(ctx context.Context, db, coll string, docs []bson.D) (WriteResult, error) {
	if err := validateNamespace(db, coll); err != nil {
		return WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureTable(ctx, db, coll); err != nil {
		return WriteResult{}, err
	}
	tbl := tableName(db, coll)
	fts := ftsTableName(db, coll)

	result := WriteResult{}
	for i, d := range docs {
		if idKey, _ := docID(d); idKey == "" {
			d = append(bson.D{{Key: "_id", Value: bsonutil.NewObjectID()}}, d...)
			docs[i] = d
		}
		idStr, idVal := docID(d)
		j, err := bson.MarshalExtJSON(d, true, false)
		if err != nil {
			result.WriteErrors = append(result.WriteErrors, WriteError{Index: i, Code: 2, Message: err.Error()})
			continue
		}
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %q (id, doc) VALUES (?, ?)`, tbl), idStr, string(j))
		if err != nil {
			result.WriteErrors = append(result.WriteErrors, WriteError{Index: i, Code: 11000, Message: err.Error()})
			continue
		}
		rowid, _ := res.LastInsertId()
		_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %q (rowid, body) VALUES (?, ?)`, fts), rowid, textOf(d))
		result.InsertedIDs = append(result.InsertedIDs, idVal)
	}
	return result, nil
}

// textOf concatenates every string leaf in a document, the crude but
// workable corpus fed to FTS5 for $search when no narrower path was
// indexed explicitly.
func textOf(d bson.D) string {
	var b strings.Builder
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			b.WriteString(t)
			b.WriteString(" ")
		case bson.D:
			for _, e := range t {
				walk(e.Value)
			}
		case bson.A:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(d)
	return b.String()
}

func (s *SQLite) scanAll(ctx context.Context, db, coll string) ([]bson.D, error) {
	if err := s.ensureTable(ctx, db, coll); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %q ORDER BY rowid`, tableName(db, coll)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []bson.D
	for rows.Next() {
		var j string
		if err := rows.Scan(&j); err != nil {
			return nil, err
		}
		var d bson.D
		if err := bson.UnmarshalExtJSON([]byte(j), true, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) FindAll(ctx context.Context, db, coll string, filter bson.D) ([]bson.D, error) {
	if err := validateNamespace(db, coll); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.scanAll(ctx, db, coll)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		return docs, nil
	}
	out := make([]bson.D, 0, len(docs))
	for _, d := range docs {
		if query.MatchesInMemory(d, filter) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Explain runs the query translator (package query's SQL compilation
// path, not the in-memory matcher FindAll otherwise uses) against
// filter and asks SQLite for its query plan, without fetching any
// documents. It is the one caller of query.CompileFilter in this
// backend; everything else still matches in memory (see DESIGN.md).
func (s *SQLite) Explain(ctx context.Context, db, coll string, filter bson.D) (ExplainResult, error) {
	if err := validateNamespace(db, coll); err != nil {
		return ExplainResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureTable(ctx, db, coll); err != nil {
		return ExplainResult{}, err
	}
	pred, err := query.CompileFilter(filter)
	if err != nil {
		return ExplainResult{}, err
	}
	tbl := tableName(db, coll)
	sqlText := fmt.Sprintf(`SELECT doc FROM %q WHERE %s`, tbl, pred.SQL)

	rows, err := s.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+sqlText, pred.Params...)
	if err != nil {
		return ExplainResult{}, errors.Wrap(err, "backend: explain query plan")
	}
	defer rows.Close()

	var plan []bson.D
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			return ExplainResult{}, err
		}
		plan = append(plan, bson.D{
			{Key: "id", Value: int32(id)},
			{Key: "parent", Value: int32(parent)},
			{Key: "detail", Value: detail},
		})
	}
	return ExplainResult{SQL: sqlText, Params: pred.Params, QueryPlanner: plan}, rows.Err()
}

// sliceSource is a cursor.Source over an already-materialized document
// slice: the SQLite backend resolves filters, sorts and projections
// in-memory once (see DESIGN.md) rather than streaming rows lazily.
type sliceSource struct {
	docs []bson.D
	pos  int
}

func (s *sliceSource) Next(ctx context.Context, n int) ([]bson.D, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.pos >= len(s.docs) {
		return nil, true, nil
	}
	end := s.pos + n
	if end > len(s.docs) {
		end = len(s.docs)
	}
	batch := s.docs[s.pos:end]
	s.pos = end
	return batch, s.pos >= len(s.docs), nil
}

func (s *sliceSource) Close() {}

func newSliceSource(docs []bson.D) cursor.Source {
	return &sliceSource{docs: docs}
}

func applyProjection(d bson.D, projection bson.D) bson.D {
	if len(projection) == 0 {
		return d
	}
	include := true
	for _, e := range projection {
		if e.Key == "_id" {
			continue
		}
		if n, ok := toZero(e.Value); ok && n {
			include = false
		}
	}
	if include {
		out := bson.D{}
		for _, e := range d {
			if e.Key == "_id" {
				out = append(out, e)
				continue
			}
			for _, p := range projection {
				if p.Key == e.Key {
					out = append(out, e)
					break
				}
			}
		}
		return out
	}
	excluded := map[string]bool{}
	for _, e := range projection {
		if zero, ok := toZero(e.Value); ok && zero {
			excluded[e.Key] = true
		}
	}
	out := bson.D{}
	for _, e := range d {
		if !excluded[e.Key] {
			out = append(out, e)
		}
	}
	return out
}

func toZero(v any) (bool, bool) {
	switch n := v.(type) {
	case int32:
		return n == 0, true
	case int64:
		return n == 0, true
	case float64:
		return n == 0, true
	case bool:
		return !n, true
	default:
		return false, false
	}
}

func (s *SQLite) Find(ctx context.Context, db, coll string, filter bson.D, opts FindOptions) ([]bson.D, cursor.Source, error) {
	if err := validateNamespace(db, coll); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	docs, err := s.scanAll(ctx, db, coll)
	s.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	matched := make([]bson.D, 0, len(docs))
	for _, d := range docs {
		if query.MatchesInMemory(d, filter) {
			matched = append(matched, d)
		}
	}
	if len(opts.Sort) > 0 {
		matched, err = aggregate.SortDocs(matched, opts.Sort)
		if err != nil {
			return nil, nil, err
		}
	}
	if opts.Skip > 0 {
		if int64(len(matched)) < opts.Skip {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && int64(len(matched)) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	for i, d := range matched {
		matched[i] = applyProjection(d, opts.Projection)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 101
	}
	first := matched
	var rest []bson.D
	if len(matched) > batchSize {
		first = matched[:batchSize]
		rest = matched[batchSize:]
	}
	return first, newSliceSource(rest), nil
}

func (s *SQLite) Update(ctx context.Context, db, coll string, filter, update bson.D, opts UpdateOptions) (UpdateResult, error) {
	if err := validateNamespace(db, coll); err != nil {
		return UpdateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureTable(ctx, db, coll); err != nil {
		return UpdateResult{}, err
	}
	docs, err := s.scanAll(ctx, db, coll)
	if err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{}
	tbl := tableName(db, coll)
	for _, d := range docs {
		if !query.MatchesInMemory(d, filter) {
			continue
		}
		result.MatchedCount++
		updated, err := query.Apply(d, update)
		if err != nil {
			return result, err
		}
		idStr, _ := docID(d)
		j, err := bson.MarshalExtJSON(updated, true, false)
		if err != nil {
			return result, err
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %q SET doc = ? WHERE id = ?`, tbl), string(j), idStr); err != nil {
			return result, err
		}
		result.ModifiedCount++
		if !opts.Multi {
			break
		}
	}

	if result.MatchedCount == 0 && opts.Upsert {
		upsertDoc, err := query.SynthesizeUpsert(filter, update)
		if err != nil {
			return result, err
		}
		wr, err := s.insertLocked(ctx, db, coll, []bson.D{upsertDoc})
		if err != nil {
			return result, err
		}
		if len(wr.InsertedIDs) > 0 {
			result.UpsertedID = wr.InsertedIDs[0]
		}
	}
	return result, nil
}

// insertLocked is Insert's body, reusable from callers that already
// hold s.mu (Update's upsert path).
func (s *SQLite) insertLocked(ctx context.Context, db, coll string, docs []bson.D) (WriteResult, error) {
	if err := s.ensureTable(ctx, db, coll); err != nil {
		return WriteResult{}, err
	}
	tbl := tableName(db, coll)
	fts := ftsTableName(db, coll)
	result := WriteResult{}
	for i, d := range docs {
		if idKey, _ := docID(d); idKey == "" {
			d = append(bson.D{{Key: "_id", Value: bsonutil.NewObjectID()}}, d...)
		}
		idStr, idVal := docID(d)
		j, err := bson.MarshalExtJSON(d, true, false)
		if err != nil {
			result.WriteErrors = append(result.WriteErrors, WriteError{Index: i, Message: err.Error()})
			continue
		}
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %q (id, doc) VALUES (?, ?)`, tbl), idStr, string(j))
		if err != nil {
			result.WriteErrors = append(result.WriteErrors, WriteError{Index: i, Message: err.Error()})
			continue
		}
		rowid, _ := res.LastInsertId()
		_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %q (rowid, body) VALUES (?, ?)`, fts), rowid, textOf(d))
		result.InsertedIDs = append(result.InsertedIDs, idVal)
	}
	return result, nil
}

func (s *SQLite) Delete(ctx context.Context, db, coll string, filter bson.D, opts DeleteOptions) (DeleteResult, error) {
	if err := validateNamespace(db, coll); err != nil {
		return DeleteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.scanAll(ctx, db, coll)
	if err != nil {
		return DeleteResult{}, err
	}
	tbl := tableName(db, coll)
	result := DeleteResult{}
	for _, d := range docs {
		if !query.MatchesInMemory(d, filter) {
			continue
		}
		idStr, _ := docID(d)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, tbl), idStr); err != nil {
			return result, err
		}
		result.DeletedCount++
		if !opts.Multi {
			break
		}
	}
	return result, nil
}

func (s *SQLite) Aggregate(ctx context.Context, db, coll string, pipeline []bson.D, opts AggregateOptions) ([]bson.D, cursor.Source, error) {
	if err := validateNamespace(db, coll); err != nil {
		return nil, nil, err
	}
	optimized := optimize.Optimize(pipeline)

	var seed []bson.D
	var err error
	if len(optimized) > 0 && isMatchStage(optimized[0]) {
		filter, _ := optimized[0][0].Value.(bson.D)
		seed, err = s.FindAll(ctx, db, coll, filter)
		optimized = optimized[1:]
	} else {
		seed, err = s.FindAll(ctx, db, coll, bson.D{})
	}
	if err != nil {
		return nil, nil, err
	}

	env := aggregate.Env{DB: db, Collection: coll, Backend: s, FacetConcurrency: s.facetConcurrency}
	result, err := aggregate.Execute(ctx, env, optimized, seed)
	if err != nil {
		return nil, nil, err
	}
	if result.Terminal {
		return nil, newSliceSource(nil), nil
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 101
	}
	docs := result.Docs
	first := docs
	var rest []bson.D
	if len(docs) > batchSize {
		first = docs[:batchSize]
		rest = docs[batchSize:]
	}
	return first, newSliceSource(rest), nil
}

func isMatchStage(stage bson.D) bool {
	return len(stage) == 1 && stage[0].Key == "$match"
}

func (s *SQLite) CreateIndex(ctx context.Context, db, coll string, keys bson.D, opts bson.D) (string, error) {
	if err := validateNamespace(db, coll); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureTable(ctx, db, coll); err != nil {
		return "", err
	}
	name := indexName(keys)
	unique := false
	for _, o := range opts {
		if o.Key == "unique" {
			unique, _ = o.Value.(bool)
		}
	}
	expr := make([]string, 0, len(keys))
	for _, k := range keys {
		expr = append(expr, fmt.Sprintf("json_extract(doc, '$.%s')", k.Key))
	}
	uniqueClause := ""
	if unique {
		uniqueClause = "UNIQUE "
	}
	stmt := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %q ON %q (%s)`, uniqueClause, tableName(db, coll)+"_"+name, tableName(db, coll), strings.Join(expr, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return "", err
	}
	return name, nil
}

func indexName(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		dir := 1
		if n, ok := toNumericLocal(k.Value); ok {
			dir = int(n)
		}
		parts = append(parts, fmt.Sprintf("%s_%d", k.Key, dir))
	}
	return strings.Join(parts, "_")
}

func toNumericLocal(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func (s *SQLite) DropIndex(ctx context.Context, db, coll, name string) error {
	if err := validateNamespace(db, coll); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %q`, tableName(db, coll)+"_"+name))
	return err
}

func (s *SQLite) ListIndexes(ctx context.Context, db, coll string) ([]IndexInfo, error) {
	if err := validateNamespace(db, coll); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='index' AND tbl_name = ? AND name NOT LIKE 'sqlite_autoindex_%'`, tableName(db, coll))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IndexInfo
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, IndexInfo{Name: strings.TrimPrefix(name, tableName(db, coll)+"_")})
	}
	return out, rows.Err()
}

func (s *SQLite) Search(ctx context.Context, db, coll string, spec aggregate.SearchSpec) ([]bson.D, error) {
	if err := validateNamespace(db, coll); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureTable(ctx, db, coll); err != nil {
		return nil, err
	}
	tbl := tableName(db, coll)
	fts := ftsTableName(db, coll)
	stmt := fmt.Sprintf(`SELECT d.doc, -bm25(f) AS score FROM %q d JOIN %q f ON f.rowid = d.rowid WHERE f.body MATCH ? ORDER BY score DESC`, tbl, fts)
	rows, err := s.db.QueryContext(ctx, stmt, spec.MatchExpr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []bson.D
	for rows.Next() {
		var j string
		var score float64
		if err := rows.Scan(&j, &score); err != nil {
			return nil, err
		}
		var d bson.D
		if err := bson.UnmarshalExtJSON([]byte(j), true, &d); err != nil {
			return nil, err
		}
		if spec.WantScore {
			d = append(d, bson.E{Key: "_searchScore", Value: score})
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// VectorSearch performs a brute-force cosine-similarity scan: the
// local backend has no ANN index, so every document's vector at path
// is compared against the query vector and the top limit results are
// returned, matching the contract's shape if not its algorithmic
// complexity. numCandidates is not consulted.
func (s *SQLite) VectorSearch(ctx context.Context, db, coll string, spec aggregate.VectorSearchSpec) ([]bson.D, error) {
	if err := validateNamespace(db, coll); err != nil {
		return nil, err
	}
	docs, err := s.FindAll(ctx, db, coll, bson.D{})
	if err != nil {
		return nil, err
	}
	type scored struct {
		doc   bson.D
		score float64
	}
	var candidates []scored
	for _, d := range docs {
		v, ok := query.Lookup0(d, spec.Path)
		if !ok {
			continue
		}
		arr, ok := v.(bson.A)
		if !ok {
			continue
		}
		vec := make([]float64, len(arr))
		for i, e := range arr {
			f, ok := toNumericLocal(e)
			if !ok {
				continue
			}
			vec[i] = f
		}
		score := cosineSimilarity(vec, spec.QueryVector)
		candidates = append(candidates, scored{doc: d, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	limit := spec.Limit
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]bson.D, limit)
	for i := 0; i < limit; i++ {
		out[i] = append(candidates[i].doc, bson.E{Key: "vectorSearchScore", Value: candidates[i].score})
	}
	return out, nil
}

func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrtFloat(na) * sqrtFloat(nb))
}

func sqrtFloat(f float64) float64 {
	if f <= 0 {
		return 0
	}
	x := f
	for i := 0; i < 32; i++ {
		x = 0.5 * (x + f/x)
	}
	return x
}

func (s *SQLite) HybridSearch(ctx context.Context, db, coll string, spec HybridSearchSpec) ([]bson.D, error) {
	textDocs, err := s.Search(ctx, db, coll, spec.Text)
	if err != nil {
		return nil, err
	}
	vectorDocs, err := s.VectorSearch(ctx, db, coll, spec.Vector)
	if err != nil {
		return nil, err
	}
	byKey := map[string]bson.D{}
	var order []string
	for _, d := range append(textDocs, vectorDocs...) {
		k, _ := docID(d)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = d
	}
	out := make([]bson.D, len(order))
	for i, k := range order {
		out[i] = byKey[k]
	}
	return out, nil
}

func (s *SQLite) ReplaceCollection(ctx context.Context, db, coll string, docs []bson.D) error {
	if err := validateNamespace(db, coll); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, tableName(db, coll))); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, ftsTableName(db, coll))); err != nil {
		return err
	}
	if err := s.ensureTable(ctx, db, coll); err != nil {
		return err
	}
	_, err := s.insertLocked(ctx, db, coll, docs)
	return err
}

func (s *SQLite) Merge(ctx context.Context, db, coll string, docs []bson.D, whenMatched, whenNotMatched string) error {
	if err := validateNamespace(db, coll); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureTable(ctx, db, coll); err != nil {
		return err
	}
	existing, err := s.scanAll(ctx, db, coll)
	if err != nil {
		return err
	}
	existingByID := map[string]bson.D{}
	for _, e := range existing {
		k, _ := docID(e)
		existingByID[k] = e
	}

	tbl := tableName(db, coll)
	for _, d := range docs {
		idStr, _ := docID(d)
		if old, ok := existingByID[idStr]; ok {
			var merged bson.D
			switch whenMatched {
			case "fail":
				return errors.Errorf("backend: $merge found an existing document for %s", idStr)
			case "keepExisting":
				continue
			case "replace":
				merged = d
			case "merge":
				merged = mergeDocsShallow(old, d)
			default:
				continue
			}
			j, err := bson.MarshalExtJSON(merged, true, false)
			if err != nil {
				return err
			}
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %q SET doc = ? WHERE id = ?`, tbl), string(j), idStr); err != nil {
				return err
			}
			continue
		}
		switch whenNotMatched {
		case "discard":
			continue
		case "fail":
			return errors.Errorf("backend: $merge found no existing document for %s", idStr)
		case "insert":
			if _, err := s.insertLocked(ctx, db, coll, []bson.D{d}); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeDocsShallow implements $merge's whenMatched: "merge" behavior: a
// field-level (top-level only) overlay of incoming onto existing, per
// $mergeObjects semantics. Existing fields not present in incoming
// survive; incoming overwrites by key rather than replacing the whole
// document the way whenMatched: "replace" does.
func mergeDocsShallow(existing, incoming bson.D) bson.D {
	out := append(bson.D{}, existing...)
	for _, e := range incoming {
		replaced := false
		for i, o := range out {
			if o.Key == e.Key {
				out[i].Value = e.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, e)
		}
	}
	return out
}
