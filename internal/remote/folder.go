// Package remote defines the collaborator contracts the cache synchronizes
// against and provides CalDAV and CardDAV implementations of the
// uid/etag-indexed contract.
package remote

import (
	"context"
	"errors"

	"github.com/kolabtools/kolabcache/internal/kolab"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidResponse  = errors.New("invalid server response")

	// ErrChangedSinceUnavailable is returned when the server cannot report
	// per-message changes relative to a token.
	ErrChangedSinceUnavailable = errors.New("changed-since tracking unavailable")
)

// ChangedID is one entry of an incremental change report.
type ChangedID struct {
	ID      uint64
	Deleted bool
}

// ChangeSet is the result of an incremental change query.
type ChangeSet struct {
	// Validity is the generation marker of the folder. A validity different
	// from the one encoded in the caller's token means the id space was
	// reset and the report is unusable.
	Validity uint64
	// HighestModSeq is the new high-water mark to encode into the next token.
	HighestModSeq uint64
	// UIDNext is the next id the folder will assign.
	UIDNext uint64
	// Modified lists created or updated ids since the token.
	Modified []ChangedID
	// Vanished lists ids removed since the token, when the server reports
	// expunges separately.
	Vanished []uint64
}

// Folder is the message-indexed collaborator contract. Implementations map
// onto stores where every object revision gets a fresh numeric id and ids
// grow monotonically: ListIDs must return ids whose numeric order matches
// the order revisions were stored in, or the duplicate tie-break picks the
// wrong survivor.
type Folder interface {
	// ChangeToken returns the folder's current change token. An empty token
	// means the server cannot cheaply summarize folder state.
	ChangeToken(ctx context.Context) (string, error)

	// Sync runs the server's own folder synchronization, refreshing its
	// view of the mailbox without touching the cache.
	Sync(ctx context.Context) error

	// ListIDs returns all object ids currently in the folder, ascending.
	ListIDs(ctx context.Context) ([]uint64, error)

	// Fetch retrieves and parses one object. A stored payload of a
	// different type returns (nil, nil).
	Fetch(ctx context.Context, id uint64, typ kolab.Type) (*kolab.Object, error)

	// Delete removes objects from the server.
	Delete(ctx context.Context, ids []uint64) error

	// ChangedSince reports changes relative to a previously observed
	// high-water mark. Returns ErrChangedSinceUnavailable when the server
	// lacks modification sequence tracking.
	ChangedSince(ctx context.Context, sinceModSeq uint64) (*ChangeSet, error)

	// SearchUIDs resolves a logical object UID to the message ids carrying
	// it, used when the cache is bypassed.
	SearchUIDs(ctx context.Context, uid string) ([]uint64, error)
}

// DavItem is one index entry of a DAV collection.
type DavItem struct {
	UID  string
	Path string
	ETag string
}

// DavChangeSet is the result of a token-based collection sync.
type DavChangeSet struct {
	Token   string
	Changed []DavItem
	// Deleted lists the paths of removed objects.
	Deleted []string
}

// DavFolder is the uid/etag-indexed collaborator contract backed by a
// CalDAV or CardDAV collection.
type DavFolder interface {
	// ChangeToken returns the collection's CTag.
	ChangeToken(ctx context.Context) (string, error)

	// Index lists every object with its path and etag, without payloads.
	Index(ctx context.Context) ([]DavItem, error)

	// FetchAll retrieves and parses the objects at the given paths,
	// chunking requests as needed. Objects of a different type are dropped
	// from the result.
	FetchAll(ctx context.Context, paths []string, typ kolab.Type) ([]*kolab.Object, error)

	// Fetch retrieves one object by path. Returns (nil, nil) on a type
	// mismatch.
	Fetch(ctx context.Context, path string, typ kolab.Type) (*kolab.Object, error)

	// SyncCollection reports changes relative to a sync token. Returns
	// ErrChangedSinceUnavailable when the server does not support
	// collection sync or rejects the token.
	SyncCollection(ctx context.Context, token string) (*DavChangeSet, error)
}
