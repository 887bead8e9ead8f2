package remote

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/kolabtools/kolabcache/internal/kolab"
)

// Collection describes a discovered calendar or addressbook.
type Collection struct {
	Path        string
	Name        string
	Description string
}

// CalDAVFolder implements DavFolder against one CalDAV calendar
// collection.
type CalDAVFolder struct {
	client   *caldav.Client
	endpoint *davEndpoint
	path     string
}

// NewCalDAVFolder opens a CalDAV collection.
func NewCalDAVFolder(opts ClientOptions, collectionPath string) (*CalDAVFolder, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	httpClient, authClient := newHTTPClient(opts)

	client, err := caldav.NewClient(authClient, opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &CalDAVFolder{
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

// FindCalendars discovers the calendars of the authenticated user.
func FindCalendars(ctx context.Context, opts ClientOptions) ([]Collection, error) {
	_, authClient := newHTTPClient(opts)

	client, err := caldav.NewClient(authClient, opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrConnectionFailed, err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrConnectionFailed, err)
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find calendars: %w", ErrConnectionFailed, err)
	}

	collections := make([]Collection, 0, len(cals))
	for _, cal := range cals {
		collections = append(collections, Collection{
			Path:        cal.Path,
			Name:        cal.Name,
			Description: cal.Description,
		})
	}
	return collections, nil
}

func (f *CalDAVFolder) ChangeToken(ctx context.Context) (string, error) {
	return f.endpoint.changeToken(ctx)
}

func (f *CalDAVFolder) Index(ctx context.Context) ([]DavItem, error) {
	return f.endpoint.index(ctx)
}

func (f *CalDAVFolder) FetchAll(ctx context.Context, paths []string, typ kolab.Type) ([]*kolab.Object, error) {
	var objects []*kolab.Object
	for start := 0; start < len(paths); start += multigetChunkSize {
		end := start + multigetChunkSize
		if end > len(paths) {
			end = len(paths)
		}

		results, err := f.client.MultiGetCalendar(ctx, f.path, &caldav.CalendarMultiGet{
			Paths: paths[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("%w: multiget failed: %w", ErrConnectionFailed, err)
		}

		for i := range results {
			obj, err := calendarObject(&results[i], typ)
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

func (f *CalDAVFolder) Fetch(ctx context.Context, path string, typ kolab.Type) (*kolab.Object, error) {
	result, err := f.client.GetCalendarObject(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch %s: %w", ErrConnectionFailed, path, err)
	}
	return calendarObject(result, typ)
}

func (f *CalDAVFolder) SyncCollection(ctx context.Context, token string) (*DavChangeSet, error) {
	return f.endpoint.syncCollection(ctx, token)
}

// calendarObject converts a fetched calendar resource into the cache
// object model. A resource holding a different component type yields nil.
func calendarObject(src *caldav.CalendarObject, typ kolab.Type) (*kolab.Object, error) {
	if src == nil || src.Data == nil {
		return nil, nil
	}

	obj, err := kolab.FromICal(src.Data, src.ETag, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", src.Path, err)
	}
	if obj == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(src.Data); err == nil {
		obj.Raw = buf.Bytes()
	}
	return obj, nil
}
