// Package repository maps document store records onto typed domain models.
package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"plaza/internal/docstore"
	"plaza/internal/models"
	"plaza/internal/observability"

	"github.com/go-viper/mapstructure/v2"
)

// Collection names.
const (
	UsersCollection         = "users"
	HandlesCollection       = "handles"
	PostsCollection         = "posts"
	CommentsCollection      = "comments"
	NotificationsCollection = "notifications"
	PreferencesCollection   = "preferences"
)

// errMalformed marks a stored document that does not fit its model.
var errMalformed = errors.New("malformed document")

var timeType = reflect.TypeOf(time.Time{})

// timeHook accepts RFC3339 strings and unix seconds for time fields, which
// older writers and seed fixtures produce.
func timeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return time.Parse(time.RFC3339Nano, v)
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	}
	return data, nil
}

func decodeInto(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     out,
		DecodeHook: mapstructure.DecodeHookFuncType(timeHook),
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// decodeDocument decodes doc into a new T and runs validate. Failures are
// reported as errMalformed.
func decodeDocument[T any](doc docstore.Document, validate func(*T) error) (*T, error) {
	var out T
	if err := decodeInto(doc.Data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errMalformed, doc.ID, err)
	}
	if validate != nil {
		if err := validate(&out); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", errMalformed, doc.ID, err)
		}
	}
	return &out, nil
}

// decodeAll decodes docs, skipping and quarantining malformed ones.
func decodeAll[T any](ctx context.Context, collection string, docs []docstore.Document, decode func(docstore.Document) (*T, error)) []T {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := decode(doc)
		if err != nil {
			observability.LogQuarantine(ctx, collection, doc.ID, err)
			continue
		}
		out = append(out, *v)
	}
	return out
}

// Listing is one page read from the store. Items holds the records that
// decoded; Scanned and Last describe every document the store returned,
// quarantined ones included, so callers page on what the store saw.
type Listing[T, C any] struct {
	Items   []T
	Scanned int
	// Last is the sort position of the last returned document whose
	// position could be read. Nil when the page was empty.
	Last *C
}

// More reports whether the store filled the page, so more may follow Last.
func (l Listing[T, C]) More(limit int) bool {
	return limit > 0 && l.Scanned >= limit && l.Last != nil
}

// Skipped is the number of returned documents that were quarantined.
func (l Listing[T, C]) Skipped() int { return l.Scanned - len(l.Items) }

// decodeListing decodes docs like decodeAll and records the raw page
// position. position reads a document's sort key without decoding the rest,
// so a malformed document still moves the cursor past itself.
func decodeListing[T, C any](ctx context.Context, collection string, docs []docstore.Document,
	decode func(docstore.Document) (*T, error), position func(docstore.Document) (*C, bool)) Listing[T, C] {
	l := Listing[T, C]{
		Items:   decodeAll(ctx, collection, docs, decode),
		Scanned: len(docs),
	}
	for i := len(docs) - 1; i >= 0; i-- {
		if c, ok := position(docs[i]); ok {
			l.Last = c
			break
		}
	}
	return l
}

// timePosition reads the (createdAt, id) feed position of a raw document.
func timePosition(doc docstore.Document) (*Cursor, bool) {
	var key struct {
		CreatedAt time.Time `mapstructure:"createdAt"`
	}
	if err := decodeInto(map[string]any{"createdAt": doc.Data["createdAt"]}, &key); err != nil || key.CreatedAt.IsZero() {
		return nil, false
	}
	return &Cursor{CreatedAt: key.CreatedAt, ID: doc.ID}, true
}

// idPosition is the position of a document in id order.
func idPosition(doc docstore.Document) (*string, bool) {
	id := doc.ID
	return &id, id != ""
}

// storeError maps docstore failures onto application errors.
func storeError(err error, resource string, id any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrNotFound):
		return models.NewNotFoundError(resource, id)
	case errors.Is(err, docstore.ErrConflict):
		return models.NewConcurrentModificationError(resource, id)
	case errors.Is(err, errMalformed):
		return models.NewInternalError(err)
	case docstore.IsTransient(err):
		// Kept raw so the service layer can retry before surfacing UNAVAILABLE.
		return err
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return models.NewInternalError(err)
}

// chunk splits ids into batches no larger than size.
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = docstore.DefaultMaxInFilter
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
