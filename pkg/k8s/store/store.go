// Package store implements the persistent, indexed container that backs one
// Reflector. Each Store is bound to a single ApiResource and a shared
// *sqlx.DB connection pool; objects are kept in a per-resource table named
// after the resource's apiVersion and plural, addressable by
// (name, namespace) and filterable via json_extract over labels or
// arbitrary fields.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubewarden/k8s-context-cache/pkg/k8s/apischema"
	"github.com/kubewarden/k8s-context-cache/pkg/k8s/selector"
)

// identifierPattern is the SQL-injection-surface guard for table
// identifiers, which are interpolated directly into query text. Selector
// keys are not matched against it: the json_extract paths built from them
// are passed as bound parameters, and validateSelectorKey only rejects keys
// containing a quote or a backslash.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Store is a persistent, indexed container of DynamicObjects for one
// ApiResource. It is safe for concurrent use; all operations go through the
// shared *sqlx.DB connection pool.
type Store struct {
	resource apischema.ApiResource
	tableID  string
	db       *sqlx.DB
}

// TableID derives the deterministic table identifier for an ApiResource:
// the apiVersion with '/' and '.' replaced by '_', followed by "_<plural>".
func TableID(r apischema.ApiResource) string {
	replacer := strings.NewReplacer("/", "_", ".", "_")
	return replacer.Replace(r.APIVersion) + "_" + r.Plural
}

// New creates a Store for the given resource, creating its backing table if
// it does not already exist.
func New(ctx context.Context, db *sqlx.DB, resource apischema.ApiResource) (*Store, error) {
	tableID := TableID(resource)
	if !identifierPattern.MatchString(tableID) {
		return nil, &StoreError{Operation: "create table", Keys: []string{tableID}, Err: ErrInvalidIdentifier}
	}

	s := &Store{resource: resource, tableID: tableID, db: db}
	if err := s.createTable(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Resource returns the ApiResource this Store is bound to.
func (s *Store) Resource() apischema.ApiResource {
	return s.resource
}

// TableID returns this Store's backing table name.
func (s *Store) TableID() string {
	return s.tableID
}

func (s *Store) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name VARCHAR(250) NOT NULL,
		namespace VARCHAR(250),
		object JSON NOT NULL,
		PRIMARY KEY(name, namespace)
	)`, s.tableID)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &StoreError{Operation: "create table", Keys: []string{s.tableID}, Err: err}
	}

	return nil
}

// InsertOrReplace upserts obj by (name, namespace). Objects without a name
// are rejected rather than inserted, per the Store's primary-key invariant.
func (s *Store) InsertOrReplace(ctx context.Context, obj *unstructured.Unstructured) error {
	name := obj.GetName()
	if name == "" {
		return &StoreError{Operation: "insert_or_replace", Err: fmt.Errorf("object has no name")}
	}
	namespace := nullableString(obj.GetNamespace())

	payload, err := json.Marshal(obj.Object)
	if err != nil {
		return &StoreError{Operation: "insert_or_replace", Keys: []string{name}, Err: err}
	}

	// NULL namespaces never collide in SQLite keys; drop the old row explicitly.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StoreError{Operation: "insert_or_replace", Keys: []string{name}, Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op if Commit already ran
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE name = ? AND namespace IS ?", s.tableID)
	if _, err := tx.ExecContext(ctx, deleteQuery, name, namespace); err != nil {
		return &StoreError{Operation: "insert_or_replace", Keys: []string{name}, Err: err}
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (name, namespace, object) VALUES (?, ?, ?)", s.tableID)
	if _, err := tx.ExecContext(ctx, query, name, namespace, string(payload)); err != nil {
		return &StoreError{Operation: "insert_or_replace", Keys: []string{name}, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Operation: "insert_or_replace", Keys: []string{name}, Err: err}
	}

	return nil
}

// Delete removes the row matching obj's (name, namespace).
func (s *Store) Delete(ctx context.Context, obj *unstructured.Unstructured) error {
	name := obj.GetName()
	namespace := nullableString(obj.GetNamespace())

	query := fmt.Sprintf("DELETE FROM %s WHERE name = ? AND namespace IS ?", s.tableID)
	if _, err := s.db.ExecContext(ctx, query, name, namespace); err != nil {
		return &StoreError{Operation: "delete", Keys: []string{name}, Err: err}
	}

	return nil
}

// ReplaceAll atomically empties the table and reinserts every object in
// objs. On any failure the transaction rolls back and the table is left
// exactly as it was before the call.
func (s *Store) ReplaceAll(ctx context.Context, objs []*unstructured.Unstructured) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StoreError{Operation: "replace_all", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op if Commit already ran

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.tableID)); err != nil {
		return &StoreError{Operation: "replace_all", Err: err}
	}

	insertQuery := fmt.Sprintf("INSERT INTO %s (name, namespace, object) VALUES (?, ?, ?)", s.tableID)
	for _, obj := range objs {
		payload, err := json.Marshal(obj.Object)
		if err != nil {
			return &StoreError{Operation: "replace_all", Keys: []string{obj.GetName()}, Err: err}
		}

		if _, err := tx.ExecContext(ctx, insertQuery, obj.GetName(), nullableString(obj.GetNamespace()), string(payload)); err != nil {
			return &StoreError{Operation: "replace_all", Keys: []string{obj.GetName()}, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Operation: "replace_all", Err: err}
	}

	return nil
}

// List returns objects matching the optional namespace, label and field
// selectors, wrapped in an ObjectList whose apiVersion/kind derive from the
// bound ApiResource.
func (s *Store) List(ctx context.Context, namespace *string, labelSelector, fieldSelector selector.Selector) (apischema.ObjectList, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SELECT object FROM %s", s.tableID))

	args := make([]interface{}, 0, 1+len(labelSelector)*2+len(fieldSelector)*2)
	hasWhere := false

	if namespace != nil {
		sb.WriteString(" WHERE namespace = ?")
		args = append(args, *namespace)
		hasWhere = true
	}

	for _, req := range labelSelector {
		if err := validateSelectorKey(req.Key); err != nil {
			return apischema.ObjectList{}, err
		}
		hasWhere = appendClause(&sb, hasWhere)
		sb.WriteString(fmt.Sprintf("json_extract(object, ?) %s ?", sqlOperator(req.Operator)))
		args = append(args, "$.metadata.labels."+req.Key, req.Value)
	}

	for _, req := range fieldSelector {
		if err := validateSelectorKey(req.Key); err != nil {
			return apischema.ObjectList{}, err
		}
		hasWhere = appendClause(&sb, hasWhere)
		sb.WriteString(fmt.Sprintf("json_extract(object, ?) %s ?", sqlOperator(req.Operator)))
		args = append(args, "$"+req.Key, req.Value)
	}

	rows, err := s.db.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return apischema.ObjectList{}, &StoreError{Operation: "list", Err: err}
	}
	defer rows.Close()

	items := make([]unstructured.Unstructured, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return apischema.ObjectList{}, &StoreError{Operation: "list", Err: err}
		}

		var obj unstructured.Unstructured
		if err := json.Unmarshal([]byte(payload), &obj.Object); err != nil {
			return apischema.ObjectList{}, &StoreError{Operation: "list", Err: err}
		}
		items = append(items, obj)
	}
	if err := rows.Err(); err != nil {
		return apischema.ObjectList{}, &StoreError{Operation: "list", Err: err}
	}

	return apischema.NewObjectList(s.resource.APIVersion, s.resource.Kind, items), nil
}

// Get selects the row matching name (and namespace, if given). It fails
// with ErrNotFound if no row matches.
func (s *Store) Get(ctx context.Context, name string, namespace *string) (*unstructured.Unstructured, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SELECT object FROM %s WHERE name = ?", s.tableID))
	args := []interface{}{name}

	if namespace != nil {
		sb.WriteString(" AND namespace = ?")
		args = append(args, *namespace)
	}

	var payload string
	err := s.db.QueryRowxContext(ctx, sb.String(), args...).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &StoreError{Operation: "get", Keys: []string{name}, Err: ErrNotFound}
		}
		return nil, &StoreError{Operation: "get", Keys: []string{name}, Err: err}
	}

	var obj unstructured.Unstructured
	if err := json.Unmarshal([]byte(payload), &obj.Object); err != nil {
		return nil, &StoreError{Operation: "get", Keys: []string{name}, Err: err}
	}

	return &obj, nil
}

// Len reports the number of rows currently stored. It exists for tests and
// for the cachemetrics gauge; it is not part of the Store's invariant
// surface.
func (s *Store) Len(ctx context.Context) (int, error) {
	var count int
	query := fmt.Sprintf("SELECT count(*) FROM %s", s.tableID)
	if err := s.db.GetContext(ctx, &count, query); err != nil {
		return 0, &StoreError{Operation: "len", Err: err}
	}
	return count, nil
}

func appendClause(sb *strings.Builder, hasWhere bool) bool {
	if hasWhere {
		sb.WriteString(" AND ")
	} else {
		sb.WriteString(" WHERE ")
	}
	return true
}

func sqlOperator(op selector.Operator) string {
	if op == selector.NotEquals {
		return "!="
	}
	return "="
}

func validateSelectorKey(key string) error {
	if strings.ContainsAny(key, "'\\") {
		return &StoreError{Operation: "list", Keys: []string{key}, Err: ErrInvalidIdentifier}
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
