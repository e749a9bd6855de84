package offset

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/jsonptr"
)

// Token kind discriminators persisted alongside OData offsets
const (
	TokenKindNextLink  = "nextlink"
	TokenKindDeltaLink = "deltalink"
)

// odata implements ODATA_PAGINATION. The service advertises progress
// through two link fields: the next link continues the current page
// sequence, the delta link marks the caught-up point and yields only
// changes on subsequent polls.
//
// In FULL_URL token mode the stored offset is the link's path+query;
// in TOKEN_ONLY mode only the token parameter value is stored together
// with the parameter that produced it, so the next URL can be rebuilt.
type odata struct {
	spec    *core.EndpointConfig
	baseURL string

	token      string
	tokenKind  string // TokenKindNextLink or TokenKindDeltaLink, "" when fresh
	tokenParam string // query parameter that produced the token (TOKEN_ONLY)
}

func newOData(spec *core.EndpointConfig, baseURL string) *odata {
	return &odata{
		spec:    spec,
		baseURL: baseURL,
	}
}

func (m *odata) Current() string {
	return m.token
}

// TokenKind reports which link kind produced the stored token
func (m *odata) TokenKind() string {
	return m.tokenKind
}

func (m *odata) Update(body interface{}, emitted []interface{}) error {
	doc, ok := body.(map[string]interface{})
	if !ok {
		return nil
	}

	if link := linkValue(doc, m.spec.ODataNextLinkField); link != "" {
		return m.storeLink(link, TokenKindNextLink)
	}
	if link := linkValue(doc, m.spec.ODataDeltaLinkField); link != "" {
		return m.storeLink(link, TokenKindDeltaLink)
	}

	// Neither link present: retain the current token. Once caught up
	// on a delta token, empty responses must not regress to a skip
	// token or drop the position.
	return nil
}

func linkValue(doc map[string]interface{}, field string) string {
	v, ok := doc[field]
	if !ok || v == nil {
		return ""
	}
	return jsonptr.String(v)
}

func (m *odata) storeLink(link, kind string) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("%w: api%d: malformed OData link %q", core.ErrParseFailed, m.spec.ID, link)
	}

	if m.spec.ODataTokenMode == core.TokenModeFullURL {
		full := u.Path
		if u.RawQuery != "" {
			full += "?" + u.RawQuery
		}
		m.token = full
		m.tokenKind = kind
		return nil
	}

	param, token := findTokenParam(u, kind)
	if token == "" {
		return fmt.Errorf("%w: api%d: OData link %q carries no token parameter", core.ErrParseFailed, m.spec.ID, link)
	}
	m.token = token
	m.tokenKind = kind
	m.tokenParam = param
	return nil
}

// findTokenParam locates the skiptoken/deltatoken parameter in a link.
// Services vary the exact spelling ($skiptoken, skiptoken, $skipToken);
// matching is case-insensitive on the bare name.
func findTokenParam(u *url.URL, kind string) (string, string) {
	want := "skiptoken"
	if kind == TokenKindDeltaLink {
		want = "deltatoken"
	}
	for name, values := range u.Query() {
		bare := strings.ToLower(strings.TrimPrefix(name, "$"))
		if bare == want && len(values) > 0 {
			return name, values[0]
		}
	}
	return "", ""
}

func (m *odata) Reset() {
	m.token = ""
	m.tokenKind = ""
	m.tokenParam = ""
}

func (m *odata) PartitionKey() map[string]string {
	return linearPartitionKey(m.baseURL, m.spec.Path)
}

func (m *odata) Checkpoint() map[string]string {
	if m.token == "" {
		return map[string]string{checkpointOffsetKey: ""}
	}
	return map[string]string{
		checkpointOffsetKey:    m.token,
		checkpointTokenKindKey: m.tokenKind,
	}
}

func (m *odata) Restore(persisted map[string]string) error {
	if persisted == nil {
		return nil
	}
	m.token = persisted[checkpointOffsetKey]
	m.tokenKind = persisted[checkpointTokenKindKey]
	if m.token != "" {
		switch m.tokenKind {
		case TokenKindNextLink:
			m.tokenParam = "$skiptoken"
		case TokenKindDeltaLink:
			m.tokenParam = "$deltatoken"
		default:
			return fmt.Errorf("%w: api%d: OData offset without a token kind", core.ErrOffsetCorrupt, m.spec.ID)
		}
	}
	return nil
}

func (m *odata) BuildRequest() (string, error) {
	if m.token == "" {
		return joinURL(m.baseURL, m.spec.Path), nil
	}

	if m.spec.ODataTokenMode == core.TokenModeFullURL {
		// The stored offset is already the advertised path+query;
		// attach it to the base origin
		base, err := url.Parse(m.baseURL)
		if err != nil {
			return "", fmt.Errorf("%w: base url %q: %v", core.ErrInvalidConfiguration, m.baseURL, err)
		}
		return base.Scheme + "://" + base.Host + m.token, nil
	}

	u, err := url.Parse(joinURL(m.baseURL, m.spec.Path))
	if err != nil {
		return "", fmt.Errorf("%w: api%d request url: %v", core.ErrInvalidConfiguration, m.spec.ID, err)
	}
	q := u.Query()
	// The rebuilt request must use the same parameter kind that
	// produced the token; drop the sibling parameter if configured
	// statically in the path
	q.Del("$skiptoken")
	q.Del("$deltatoken")
	q.Set(m.tokenParam, m.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *odata) Filter(records []interface{}) []interface{} {
	return records
}

// HasMore reports mid-pagination: a next link continues immediately,
// while a delta token means caught up and polling on the cadence
func (m *odata) HasMore() bool {
	return m.token != "" && m.tokenKind == TokenKindNextLink
}
