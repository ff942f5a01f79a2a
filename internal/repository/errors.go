package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	appErr "github.com/releaseplane/engine/pkg/errors"
)

const uniqueViolation = "23505"

// translate maps driver errors onto application codes.
func translate(err error, entity string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return appErr.New(appErr.CodeNotFound, entity+" not found")
	case errors.Is(err, gorm.ErrDuplicatedKey),
		errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return appErr.Wrap(err, appErr.CodeConflict, entity+" already exists")
	default:
		return appErr.Wrap(err, appErr.CodeInternal, fmt.Sprintf("%s query failed", entity))
	}
}
