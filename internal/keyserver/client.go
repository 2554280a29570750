package keyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"sipher/internal/domain"
)

// HTTP is the key-server client used by the session lifecycle manager.
type HTTP struct {
	Base string
	HTTP *http.Client
}

// defaultTimeout bounds every key-store call.
const defaultTimeout = 10 * time.Second

// NewHTTP returns a client for the key server at base.
func NewHTTP(base string) *HTTP {
	return &HTTP{Base: base, HTTP: &http.Client{Timeout: defaultTimeout}}
}

var _ domain.KeyServerClient = (*HTTP)(nil)

type publishRequest struct {
	IdentityKey domain.IdentityKeys `json:"identity_key"`
	OneTimeKeys []domain.OneTimeKey `json:"one_time_keys"`
}

type publishResponse struct {
	KeyVersion domain.KeyVersion `json:"key_version"`
}

func (c *HTTP) PublishKeys(ctx context.Context, user domain.UserID, identity domain.IdentityKeys, oneTimeKeys []domain.OneTimeKey, force bool) (domain.KeyVersion, error) {
	path := "/keys/" + url.PathEscape(user.String())
	if force {
		path += "?force=1"
	}
	var out publishResponse
	err := c.post(ctx, path, publishRequest{IdentityKey: identity, OneTimeKeys: oneTimeKeys}, &out)
	if err != nil {
		return 0, err
	}
	return out.KeyVersion, nil
}

func (c *HTTP) ConsumeOneTimeKey(ctx context.Context, user domain.UserID, keyID domain.KeyID) error {
	path := "/keys/" + url.PathEscape(user.String()) + "/otks/" + url.PathEscape(keyID.String()) + "/consume"
	return c.post(ctx, path, nil, nil)
}

func (c *HTTP) GetKeyVersion(ctx context.Context, user domain.UserID) (domain.PeerKeyInfo, error) {
	var out domain.PeerKeyInfo
	if err := c.getJSON(ctx, "/keys/"+url.PathEscape(user.String())+"/version", &out); err != nil {
		return domain.PeerKeyInfo{}, err
	}
	return out, nil
}

func (c *HTTP) FetchAccount(ctx context.Context, user domain.UserID) (domain.PublishedAccount, error) {
	var out domain.PublishedAccount
	if err := c.getJSON(ctx, "/keys/"+url.PathEscape(user.String()), &out); err != nil {
		return domain.PublishedAccount{}, err
	}
	return out, nil
}

func (c *HTTP) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if in != nil {
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusErr(path, resp.StatusCode, resp.Status); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTP) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusErr(path, resp.StatusCode, resp.Status); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusErr maps protocol-level status codes onto domain errors so
// callers can branch without knowing the wire format.
func statusErr(path string, code int, status string) error {
	switch {
	case code/100 == 2:
		return nil
	case code == http.StatusConflict:
		return domain.ErrAccountExists
	case code == http.StatusNotFound:
		return domain.ErrNotFound
	case code == http.StatusGone:
		return domain.ErrNoOneTimeKeys
	default:
		return fmt.Errorf("keyserver %s: %s", path, status)
	}
}
