package remote

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
)

// XML structures for parsing multistatus responses
type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"response"`
	SyncToken string        `xml:"sync-token"`
}

type davResponse struct {
	Href     string    `xml:"href"`
	PropStat *propstat `xml:"propstat"`
	Status   string    `xml:"status"`
}

type propstat struct {
	Prop   davProp `xml:"prop"`
	Status string  `xml:"status"`
}

type davProp struct {
	GetETag string `xml:"getetag"`
	CTag    string `xml:"http://calendarserver.org/ns/ getctag"`
}

// davEndpoint carries the raw-request parameters shared by the CalDAV and
// CardDAV folders for the operations go-webdav does not cover.
type davEndpoint struct {
	httpClient *http.Client
	url        string
	username   string
	password   string
}

func (e *davEndpoint) do(ctx context.Context, method, body string, depth string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(e.username, e.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", depth)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return resp, nil
}

// changeToken reads the collection CTag with a depth-0 PROPFIND.
func (e *davEndpoint) changeToken(ctx context.Context) (string, error) {
	resp, err := e.do(ctx, "PROPFIND", `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:prop>
    <CS:getctag/>
  </D:prop>
</D:propfind>`, "0")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrAuthFailed
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	for _, r := range ms.Responses {
		if r.PropStat != nil && r.PropStat.Prop.CTag != "" {
			return r.PropStat.Prop.CTag, nil
		}
	}
	return "", nil
}

// index lists the collection's object paths and etags with a depth-1
// PROPFIND.
func (e *davEndpoint) index(ctx context.Context) ([]DavItem, error) {
	resp, err := e.do(ctx, "PROPFIND", `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getetag/>
  </D:prop>
</D:propfind>`, "1")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthFailed
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	items := make([]DavItem, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		if r.PropStat == nil || !strings.Contains(r.PropStat.Status, "200") {
			continue
		}
		// The collection itself answers the PROPFIND without an etag.
		if r.PropStat.Prop.GetETag == "" {
			continue
		}
		items = append(items, DavItem{
			UID:  uidFromPath(r.Href),
			Path: r.Href,
			ETag: r.PropStat.Prop.GetETag,
		})
	}
	return items, nil
}

// syncCollection performs a sync-collection REPORT (RFC 6578).
func (e *davEndpoint) syncCollection(ctx context.Context, syncToken string) (*DavChangeSet, error) {
	resp, err := e.do(ctx, "REPORT", buildSyncCollectionRequest(syncToken), "1")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		// Servers answer 403 or 501 when sync-collection is unsupported,
		// and 409/403 with valid-sync-token when the token expired. All of
		// them force a full listing.
		if resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusConflict ||
			resp.StatusCode == http.StatusNotImplemented {
			return nil, ErrChangedSinceUnavailable
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseSyncResponse(body)
}

func buildSyncCollectionRequest(syncToken string) string {
	var tokenElement string
	if syncToken != "" {
		tokenElement = fmt.Sprintf("<D:sync-token>%s</D:sync-token>", xmlEscape(syncToken))
	} else {
		tokenElement = "<D:sync-token/>"
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:">
  %s
  <D:sync-level>1</D:sync-level>
  <D:prop>
    <D:getetag/>
  </D:prop>
</D:sync-collection>`, tokenElement)
}

func parseSyncResponse(body []byte) (*DavChangeSet, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	result := &DavChangeSet{
		Token:   ms.SyncToken,
		Changed: make([]DavItem, 0),
		Deleted: make([]string, 0),
	}

	for _, r := range ms.Responses {
		if strings.Contains(r.Status, "404") {
			result.Deleted = append(result.Deleted, r.Href)
			continue
		}
		if r.PropStat != nil && strings.Contains(r.PropStat.Status, "200") {
			result.Changed = append(result.Changed, DavItem{
				UID:  uidFromPath(r.Href),
				Path: r.Href,
				ETag: r.PropStat.Prop.GetETag,
			})
		}
	}

	return result, nil
}

// uidFromPath derives the object UID from the resource filename.
func uidFromPath(href string) string {
	base := path.Base(href)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
