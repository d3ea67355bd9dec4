package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/distribution/distribution/v3/manifest/schema2"
	"github.com/google/uuid"
	godigest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"gopkg.in/resty.v1"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/constants"
	apiErr "github.com/regprune/regprune/pkg/api/errors"
	zlog "github.com/regprune/regprune/pkg/log"
)

const defaultSchemaVersion = 2

// Manifest is a manifest as served by the registry, kept as raw bytes so it can be re-put unchanged.
type Manifest struct {
	Content   []byte
	MediaType string
	Digest    godigest.Digest
}

type catalog struct {
	Repositories []string `json:"repositories"`
}

type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Client talks to the distribution HTTP API of one registry.
type Client struct {
	baseURL *url.URL
	client  *resty.Client
	log     zlog.Logger
}

func NewClient(baseURL, user, password string, log zlog.Logger) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetHeader("Accept", schema2.MediaTypeManifest)

	if user != "" {
		client.SetBasicAuth(user, password)
	}

	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		log.Debug().Str("module", "registry-client").Str("method", resp.Request.Method).
			Str("url", resp.Request.URL).Int("status", resp.StatusCode()).Msg("request done")

		return nil
	})

	return &Client{baseURL: parsed, client: client, log: log}, nil
}

func (c *Client) URL() string {
	return c.baseURL.String()
}

func (c *Client) apiURL(elem ...string) string {
	return c.baseURL.String() + constants.RoutePrefix + "/" + strings.Join(elem, "/")
}

func (c *Client) do(ctx context.Context, method, target string, expected int, request *resty.Request,
) (*resty.Response, error) {
	if request == nil {
		request = c.client.R()
	}

	resp, err := request.SetContext(ctx).Execute(method, target)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != expected {
		if list, ok := apiErr.Parse(resp.Body()); ok {
			c.log.Debug().Str("module", "registry-client").Str("method", method).Str("url", target).
				Strs("codes", list.Codes()).Msg("registry returned errors")
		}

		return nil, fmt.Errorf("%w: %s %s: Expected: %d, Got: %d, Body: '%s'", zerr.ErrBadHTTPStatusCode,
			method, target, expected, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}

	return resp, nil
}

// Check verifies the registry answers the API version check.
func (c *Client) Check(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodGet, c.apiURL(""), http.StatusOK, nil); err != nil {
		c.log.Error().Err(err).Str("module", "registry-client").Str("url", c.URL()).
			Msg("failed to connect to registry")

		return fmt.Errorf("%w: %s: %w", zerr.ErrRegistryUnreachable, c.URL(), err)
	}

	return nil
}

// Catalog lists every repository, following pagination links.
func (c *Client) Catalog(ctx context.Context) ([]string, error) {
	repos := make([]string, 0)

	err := c.paginate(ctx, c.apiURL("_catalog"), func(body []byte) error {
		var page catalog
		if err := json.Unmarshal(body, &page); err != nil {
			return err
		}

		repos = append(repos, page.Repositories...)

		return nil
	})

	return repos, err
}

// Tags lists the tags of repo, a repository without tags yields an empty list.
func (c *Client) Tags(ctx context.Context, repo string) ([]string, error) {
	tags := make([]string, 0)

	err := c.paginate(ctx, c.apiURL(repo, "tags", "list"), func(body []byte) error {
		var page tagList
		if err := json.Unmarshal(body, &page); err != nil {
			return err
		}

		tags = append(tags, page.Tags...)

		return nil
	})

	return tags, err
}

func (c *Client) paginate(ctx context.Context, target string, handle func(body []byte) error) error {
	for target != "" {
		resp, err := c.do(ctx, http.MethodGet, target, http.StatusOK, nil)
		if err != nil {
			return err
		}

		if err := handle(resp.Body()); err != nil {
			return fmt.Errorf("failed to decode %s: %w", target, err)
		}

		target, err = c.nextLink(resp.Header().Get("Link"))
		if err != nil {
			return err
		}
	}

	return nil
}

// nextLink extracts the `rel="next"` target of a Link header, resolved against the base url.
func (c *Client) nextLink(header string) (string, error) {
	for _, link := range strings.Split(header, ",") {
		parts := strings.Split(link, ";")
		if len(parts) < 2 { //nolint:mnd
			continue
		}

		isNext := false

		for _, param := range parts[1:] {
			if strings.ReplaceAll(strings.TrimSpace(param), `"`, "") == "rel=next" {
				isNext = true
			}
		}

		if !isNext {
			continue
		}

		ref := strings.Trim(strings.TrimSpace(parts[0]), "<>")

		return c.resolve(ref)
	}

	return "", nil
}

func (c *Client) resolve(ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", err
	}

	return c.baseURL.ResolveReference(parsed).String(), nil
}

func (c *Client) GetManifest(ctx context.Context, repo, reference string) (Manifest, error) {
	resp, err := c.do(ctx, http.MethodGet, c.apiURL(repo, "manifests", reference), http.StatusOK, nil)
	if err != nil {
		return Manifest{}, err
	}

	digest, err := contentDigest(resp)
	if err != nil {
		return Manifest{}, err
	}

	return Manifest{
		Content:   resp.Body(),
		MediaType: resp.Header().Get("Content-Type"),
		Digest:    digest,
	}, nil
}

// PutManifest stores content under reference and returns the digest reported by the registry.
func (c *Client) PutManifest(ctx context.Context, repo, reference, mediaType string, content []byte,
) (godigest.Digest, error) {
	request := c.client.R().
		SetContentLength(true).
		SetHeader("Content-Type", mediaType).
		SetBody(content)

	resp, err := c.do(ctx, http.MethodPut, c.apiURL(repo, "manifests", reference), http.StatusCreated, request)
	if err != nil {
		return "", err
	}

	return contentDigest(resp)
}

// DeleteManifest deletes a manifest by digest, together with every tag pointing to it.
func (c *Client) DeleteManifest(ctx context.Context, repo string, digest godigest.Digest) error {
	_, err := c.do(ctx, http.MethodDelete, c.apiURL(repo, "manifests", digest.String()), http.StatusAccepted, nil)

	return err
}

// UploadBlob pushes content with a monolithic upload.
func (c *Client) UploadBlob(ctx context.Context, repo string, content []byte) (godigest.Digest, error) {
	resp, err := c.do(ctx, http.MethodPost, c.apiURL(repo, "blobs", "uploads")+"/", http.StatusAccepted, nil)
	if err != nil {
		return "", err
	}

	location := resp.Header().Get("Location")
	if location == "" {
		return "", fmt.Errorf("%w: %s", zerr.ErrMissingLocation, repo)
	}

	// the location may be a path or an absolute url and usually carries upload state in its query
	target, err := c.resolve(location)
	if err != nil {
		return "", err
	}

	uploadURL, err := url.Parse(target)
	if err != nil {
		return "", err
	}

	digest := godigest.FromBytes(content)

	query := uploadURL.Query()
	query.Set("digest", digest.String())
	uploadURL.RawQuery = query.Encode()

	request := c.client.R().
		SetContentLength(true).
		SetHeader("Content-Type", constants.BinaryMediaType).
		SetBody(content)

	if _, err := c.do(ctx, http.MethodPut, uploadURL.String(), http.StatusCreated, request); err != nil {
		return "", err
	}

	return digest, nil
}

// UploadSentinel pushes an image with random content under tag and returns its manifest digest.
// The random config guarantees no other tag of the repository shares the digest.
func (c *Client) UploadSentinel(ctx context.Context, repo, tag string) (godigest.Digest, error) {
	content := []byte(uuid.New().String())

	configDigest, err := c.UploadBlob(ctx, repo, content)
	if err != nil {
		return "", err
	}

	manifest := v1.Manifest{
		Versioned: ispec.Versioned{SchemaVersion: defaultSchemaVersion},
		MediaType: schema2.MediaTypeManifest,
		Config: v1.Descriptor{
			MediaType: schema2.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(content)),
		},
		Layers: []v1.Descriptor{},
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}

	digest, err := c.PutManifest(ctx, repo, tag, schema2.MediaTypeManifest, body)
	if err != nil {
		return "", err
	}

	c.log.Info().Str("module", "registry-client").Str("repository", repo).Str("tag", tag).
		Str("digest", digest.String()).Msg("uploaded sentinel image")

	return digest, nil
}

func contentDigest(resp *resty.Response) (godigest.Digest, error) {
	value := resp.Header().Get(constants.DistContentDigestKey)
	if value == "" {
		return "", fmt.Errorf("%w: %s %s", zerr.ErrMissingDigest, resp.Request.Method, resp.Request.URL)
	}

	digest, err := godigest.Parse(value)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", zerr.ErrMissingDigest, value, err)
	}

	return digest, nil
}
