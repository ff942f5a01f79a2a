// Package services is the write path: it validates input, persists it and
// publishes the change events the reconciler consumes.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/iancoleman/strcase"
	"go.uber.org/zap"

	"github.com/releaseplane/engine/internal/events"
	"github.com/releaseplane/engine/internal/repository"
	appErr "github.com/releaseplane/engine/pkg/errors"
	"github.com/releaseplane/engine/pkg/logger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// base carries what every service needs.
type base struct {
	store repository.Store
	pub   events.Publisher
	log   *zap.Logger
}

func newBase(store repository.Store, pub events.Publisher, name string) base {
	if pub == nil {
		pub = events.Discard
	}
	return base{store: store, pub: pub, log: logger.Named(name)}
}

// publish never fails the write: a lost event is recovered by the next
// resync.
func (b *base) publish(ctx context.Context, evt events.Event) {
	if err := b.pub.Publish(ctx, evt); err != nil {
		b.log.Error("publish event failed",
			zap.String("type", string(evt.Type)),
			zap.String("entity_id", evt.EntityID.String()),
			zap.Error(err))
	}
}

// check runs struct validation and reports failures as CodeInvalid.
func check(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return appErr.Wrap(err, appErr.CodeInvalid, verrs[0].Namespace()+" failed "+verrs[0].Tag())
		}
		return appErr.Wrap(err, appErr.CodeInvalid, "validation failed")
	}
	return nil
}

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return appErr.Wrap(err, appErr.CodeInvalid, err.Error())
}

// Field is a PATCH attribute. It tells an absent field apart from an
// explicit null.
type Field[T any] struct {
	Set   bool
	Value *T
}

// Some returns a set field holding v.
func Some[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: &v}
}

func (f *Field[T]) UnmarshalJSON(b []byte) error {
	f.Set = true
	if string(b) == "null" {
		f.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.Value = &v
	return nil
}

// apply copies a set, non-null field into dst and reports whether it did.
func apply[T any](f Field[T], dst *T) bool {
	if !f.Set || f.Value == nil {
		return false
	}
	*dst = *f.Value
	return true
}

func slugify(name string) string {
	return strcase.ToKebab(name)
}

var timeNow = func() time.Time { return time.Now().UTC() }
