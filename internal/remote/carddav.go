package remote

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav/carddav"

	"github.com/kolabtools/kolabcache/internal/kolab"
)

// CardDAVFolder implements DavFolder against one CardDAV addressbook
// collection.
type CardDAVFolder struct {
	client   *carddav.Client
	endpoint *davEndpoint
	path     string
}

// NewCardDAVFolder opens a CardDAV collection.
func NewCardDAVFolder(opts ClientOptions, collectionPath string) (*CardDAVFolder, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	httpClient, authClient := newHTTPClient(opts)

	client, err := carddav.NewClient(authClient, opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CardDAV client: %w", ErrConnectionFailed, err)
	}

	return &CardDAVFolder{
		client: client,
		endpoint: &davEndpoint{
			httpClient: httpClient,
			url:        strings.TrimSuffix(opts.BaseURL, "/") + collectionPath,
			username:   opts.Username,
			password:   opts.Password,
		},
		path: collectionPath,
	}, nil
}

// FindAddressBooks discovers the addressbooks of the authenticated user.
func FindAddressBooks(ctx context.Context, opts ClientOptions) ([]Collection, error) {
	_, authClient := newHTTPClient(opts)

	client, err := carddav.NewClient(authClient, opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CardDAV client: %w", ErrConnectionFailed, err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrConnectionFailed, err)
	}

	homeSet, err := client.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrConnectionFailed, err)
	}

	books, err := client.FindAddressBooks(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find addressbooks: %w", ErrConnectionFailed, err)
	}

	collections := make([]Collection, 0, len(books))
	for _, book := range books {
		collections = append(collections, Collection{
			Path:        book.Path,
			Name:        book.Name,
			Description: book.Description,
		})
	}
	return collections, nil
}

func (f *CardDAVFolder) ChangeToken(ctx context.Context) (string, error) {
	return f.endpoint.changeToken(ctx)
}

func (f *CardDAVFolder) Index(ctx context.Context) ([]DavItem, error) {
	return f.endpoint.index(ctx)
}

func (f *CardDAVFolder) FetchAll(ctx context.Context, paths []string, typ kolab.Type) ([]*kolab.Object, error) {
	var objects []*kolab.Object
	for start := 0; start < len(paths); start += multigetChunkSize {
		end := start + multigetChunkSize
		if end > len(paths) {
			end = len(paths)
		}

		results, err := f.client.MultiGetAddressBook(ctx, f.path, &carddav.AddressBookMultiGet{
			Paths: paths[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("%w: multiget failed: %w", ErrConnectionFailed, err)
		}

		for i := range results {
			obj, err := addressObject(&results[i], typ)
			if err != nil {
				return nil, err
			}
			if obj != nil {
				objects = append(objects, obj)
			}
		}
	}
	return objects, nil
}

func (f *CardDAVFolder) Fetch(ctx context.Context, path string, typ kolab.Type) (*kolab.Object, error) {
	result, err := f.client.GetAddressObject(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch %s: %w", ErrConnectionFailed, path, err)
	}
	return addressObject(result, typ)
}

func (f *CardDAVFolder) SyncCollection(ctx context.Context, token string) (*DavChangeSet, error) {
	return f.endpoint.syncCollection(ctx, token)
}

// addressObject converts a fetched addressbook resource into the cache
// object model. Contacts and distribution groups share the addressbook, so
// a group card is only dropped when plain contacts were requested and vice
// versa.
func addressObject(src *carddav.AddressObject, typ kolab.Type) (*kolab.Object, error) {
	if src == nil || src.Card == nil {
		return nil, nil
	}

	obj := kolab.FromVCard(src.Card, src.ETag)
	if obj.UID == "" {
		return nil, fmt.Errorf("card at %s has no UID", src.Path)
	}
	if typ != obj.Type && !(typ == kolab.TypeContact && obj.Type == kolab.TypeGroup) {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(src.Card); err == nil {
		obj.Raw = buf.Bytes()
	}
	return obj, nil
}
