package memory

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/releaseplane/engine/internal/models"
	appErr "github.com/releaseplane/engine/pkg/errors"
)

type entity[T any] interface {
	*T
	models.Entity
}

// table keeps rows in insertion order. Callers hold the store mutex.
type table[T any, P entity[T]] struct {
	name  string
	rows  map[uuid.UUID]*T
	order []uuid.UUID

	// unique returns the value of the table's unique key, "" for none.
	unique func(*T) string
	// soft marks rows deleted instead of dropping them.
	soft *softDelete[T]
}

type softDelete[T any] struct {
	deleted func(*T) bool
	mark    func(*T, *time.Time)
}

func newTable[T any, P entity[T]](name string) *table[T, P] {
	return &table[T, P]{name: name, rows: map[uuid.UUID]*T{}}
}

// clone deep-copies through the JSON form, which is also the form rows take
// in postgres.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(err)
	}
	return out
}

func (t *table[T, P]) visible(row *T, includeDeleted bool) bool {
	return includeDeleted || t.soft == nil || !t.soft.deleted(row)
}

func (t *table[T, P]) get(id uuid.UUID, includeDeleted bool) (*T, error) {
	row, ok := t.rows[id]
	if !ok || !t.visible(row, includeDeleted) {
		return nil, appErr.New(appErr.CodeNotFound, t.name+" not found")
	}
	return clone(row), nil
}

func (t *table[T, P]) checkUnique(obj *T) error {
	if t.unique == nil {
		return nil
	}
	key := t.unique(obj)
	if key == "" {
		return nil
	}
	id := P(obj).GetID()
	for rid, row := range t.rows {
		if rid != id && t.unique(row) == key {
			return appErr.New(appErr.CodeConflict, t.name+" already exists")
		}
	}
	return nil
}

func (t *table[T, P]) insert(obj *T, now time.Time) error {
	P(obj).EnsureID(now)
	id := P(obj).GetID()
	if _, ok := t.rows[id]; ok {
		return appErr.New(appErr.CodeConflict, t.name+" already exists")
	}
	if err := t.checkUnique(obj); err != nil {
		return err
	}
	t.rows[id] = clone(obj)
	t.order = append(t.order, id)
	return nil
}

func (t *table[T, P]) update(obj *T, now time.Time) error {
	id := P(obj).GetID()
	existing, ok := t.rows[id]
	if !ok || !t.visible(existing, false) {
		return appErr.New(appErr.CodeNotFound, t.name+" not found")
	}
	if err := t.checkUnique(obj); err != nil {
		return err
	}
	if b := P(obj).GetBase(); b.CreatedAt.IsZero() {
		b.CreatedAt = P(existing).GetBase().CreatedAt
	}
	P(obj).EnsureID(now)
	t.rows[id] = clone(obj)
	return nil
}

// put replaces a row without checks.
func (t *table[T, P]) put(obj *T) {
	t.rows[P(obj).GetID()] = clone(obj)
}

func (t *table[T, P]) delete(id uuid.UUID, now time.Time) error {
	row, ok := t.rows[id]
	if !ok || !t.visible(row, false) {
		return appErr.New(appErr.CodeNotFound, t.name+" not found")
	}
	if t.soft != nil {
		t.soft.mark(row, &now)
		return nil
	}
	delete(t.rows, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t *table[T, P]) list(includeDeleted bool, keep func(*T) bool) []T {
	out := make([]T, 0)
	for _, id := range t.order {
		row := t.rows[id]
		if !t.visible(row, includeDeleted) || (keep != nil && !keep(row)) {
			continue
		}
		out = append(out, *clone(row))
	}
	return out
}

func (t *table[T, P]) find(includeDeleted bool, keep func(*T) bool) (*T, error) {
	for _, id := range t.order {
		row := t.rows[id]
		if t.visible(row, includeDeleted) && keep(row) {
			return clone(row), nil
		}
	}
	return nil, appErr.New(appErr.CodeNotFound, t.name+" not found")
}
