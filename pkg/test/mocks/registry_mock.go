package mocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	godigest "github.com/opencontainers/go-digest"

	"github.com/regprune/regprune/pkg/api/constants"
	apiErr "github.com/regprune/regprune/pkg/api/errors"
	zreg "github.com/regprune/regprune/pkg/regexp"
	tcommon "github.com/regprune/regprune/pkg/test/common"
)

type storedManifest struct {
	content   []byte
	mediaType string
}

type repository struct {
	manifests map[godigest.Digest]storedManifest
	tags      map[string]godigest.Digest
	blobs     map[godigest.Digest][]byte
}

func newRepository() *repository {
	return &repository{
		manifests: make(map[godigest.Digest]storedManifest),
		tags:      make(map[string]godigest.Digest),
		blobs:     make(map[godigest.Digest][]byte),
	}
}

// Registry is an in-memory distribution registry serving the subset of the API used for pruning.
// Deleting a manifest by digest removes every tag pointing to it.
type Registry struct {
	// Credentials required by every request when User is set.
	User     string
	Password string

	// PageSize enables Link pagination of catalog and tag lists when positive.
	PageSize int

	// AbsoluteLocation makes upload sessions answer with an absolute Location.
	AbsoluteLocation bool

	// FailFn, when set, is consulted before each request, a non zero status is returned as is.
	FailFn func(method, path string) int

	lock    sync.Mutex
	repos   map[string]*repository
	uploads map[string]string
	calls   map[string]int
	baseURL string
	server  *http.Server
}

func NewRegistry() *Registry {
	return &Registry{
		repos:   make(map[string]*repository),
		uploads: make(map[string]string),
		calls:   make(map[string]int),
	}
}

// Start serves the registry on port and returns its base url once it answers.
func (reg *Registry) Start(port string) string {
	reg.baseURL = tcommon.GetBaseURL(port)

	reg.server = &http.Server{ //nolint:gosec
		Addr:    ":" + port,
		Handler: reg.Handler(),
	}

	go func() {
		if err := reg.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return
		}
	}()

	tcommon.WaitTillServerReady(reg.baseURL + constants.RoutePrefix + "/")

	return reg.baseURL
}

func (reg *Registry) Stop() {
	if reg.server != nil {
		_ = reg.server.Close()
	}
}

func (reg *Registry) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(reg.intercept)

	prefix := router.PathPrefix(constants.RoutePrefix).Subrouter()
	name := zreg.NameRegexp.String()

	prefix.HandleFunc("/", reg.checkVersion).Methods(http.MethodGet)
	prefix.HandleFunc("/_catalog", reg.listRepositories).Methods(http.MethodGet)
	prefix.HandleFunc(fmt.Sprintf("/{name:%s}/tags/list", name), reg.listTags).Methods(http.MethodGet)
	prefix.HandleFunc(fmt.Sprintf("/{name:%s}/manifests/{reference}", name), reg.getManifest).
		Methods(http.MethodGet, http.MethodHead)
	prefix.HandleFunc(fmt.Sprintf("/{name:%s}/manifests/{reference}", name), reg.updateManifest).
		Methods(http.MethodPut)
	prefix.HandleFunc(fmt.Sprintf("/{name:%s}/manifests/{reference}", name), reg.deleteManifest).
		Methods(http.MethodDelete)
	prefix.HandleFunc(fmt.Sprintf("/{name:%s}/blobs/uploads/", name), reg.createUpload).
		Methods(http.MethodPost)
	prefix.HandleFunc(fmt.Sprintf("/{name:%s}/blobs/uploads/{session_id}", name), reg.finishUpload).
		Methods(http.MethodPut)

	return router
}

func (reg *Registry) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		if reg.User != "" {
			user, password, ok := request.BasicAuth()
			if !ok || user != reg.User || password != reg.Password {
				response.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
				writeError(response, http.StatusUnauthorized, apiErr.NewError(apiErr.UNAUTHORIZED))

				return
			}
		}

		if reg.FailFn != nil {
			if status := reg.FailFn(request.Method, request.URL.Path); status != 0 {
				writeError(response, status,
					apiErr.NewError(apiErr.UNKNOWN).AddDetail(map[string]string{"reason": "injected"}))

				return
			}
		}

		if request.Method != http.MethodGet && request.Method != http.MethodHead {
			reg.lock.Lock()
			reg.calls[request.Method]++
			reg.lock.Unlock()
		}

		next.ServeHTTP(response, request)
	})
}

// MutatingCalls returns the number of requests which could change the registry content.
func (reg *Registry) MutatingCalls() int {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	total := 0
	for _, count := range reg.calls {
		total += count
	}

	return total
}

// Calls returns the number of mutating requests issued with method.
func (reg *Registry) Calls(method string) int {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	return reg.calls[method]
}

// PushImage stores a manifest with the given content under every tag.
func (reg *Registry) PushImage(repo string, content []byte, tags ...string) godigest.Digest {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	return reg.store(repo, content, "application/vnd.docker.distribution.manifest.v2+json", tags...)
}

// PushTags pushes one distinct image per tag.
func (reg *Registry) PushTags(repo string, tags ...string) {
	for _, tag := range tags {
		reg.PushImage(repo, []byte(fmt.Sprintf(`{"schemaVersion":2,"tag":%q}`, repo+":"+tag)), tag)
	}
}

// CreateRepository registers an empty repository, listed by the catalog without tags.
func (reg *Registry) CreateRepository(repo string) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	reg.repo(repo)
}

func (reg *Registry) Tags(repo string) []string {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	repository, ok := reg.repos[repo]
	if !ok {
		return []string{}
	}

	return sortedKeys(repository.tags)
}

// Digest returns the digest tag points to in repo.
func (reg *Registry) Digest(repo, tag string) (godigest.Digest, bool) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	repository, ok := reg.repos[repo]
	if !ok {
		return "", false
	}

	digest, ok := repository.tags[tag]

	return digest, ok
}

func (reg *Registry) repo(name string) *repository {
	repository, ok := reg.repos[name]
	if !ok {
		repository = newRepository()
		reg.repos[name] = repository
	}

	return repository
}

func (reg *Registry) store(repo string, content []byte, mediaType string, tags ...string) godigest.Digest {
	repository := reg.repo(repo)
	digest := godigest.FromBytes(content)

	repository.manifests[digest] = storedManifest{content: content, mediaType: mediaType}

	for _, tag := range tags {
		repository.tags[tag] = digest
	}

	return digest
}

func (reg *Registry) checkVersion(response http.ResponseWriter, _ *http.Request) {
	response.Header().Set(constants.DistAPIVersion, "registry/2.0")
	writeJSON(response, http.StatusOK, struct{}{})
}

func (reg *Registry) listRepositories(response http.ResponseWriter, request *http.Request) {
	reg.lock.Lock()
	names := sortedKeys(reg.repos)
	reg.lock.Unlock()

	page, next := reg.paginate(request, names)
	if next != "" {
		response.Header().Set("Link",
			fmt.Sprintf("<%s?n=%d&last=%s>; rel=\"next\"", constants.CatalogPath, reg.PageSize, next))
	}

	writeJSON(response, http.StatusOK, map[string][]string{"repositories": page})
}

func (reg *Registry) listTags(response http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["name"]

	reg.lock.Lock()
	repository, ok := reg.repos[name]

	var tags []string
	if ok {
		tags = sortedKeys(repository.tags)
	}
	reg.lock.Unlock()

	if !ok {
		writeError(response, http.StatusNotFound,
			apiErr.NewError(apiErr.NAME_UNKNOWN).AddDetail(map[string]string{"name": name}))

		return
	}

	page, next := reg.paginate(request, tags)
	if next != "" {
		response.Header().Set("Link",
			fmt.Sprintf("<%s/%s/tags/list?n=%d&last=%s>; rel=\"next\"", constants.RoutePrefix, name,
				reg.PageSize, next))
	}

	// a repository without tags is served with a null tag list, as distribution does
	body := struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}{Name: name}

	if len(page) > 0 {
		body.Tags = page
	}

	writeJSON(response, http.StatusOK, body)
}

// paginate returns the entries after the `last` query parameter and the last entry served when
// more remain.
func (reg *Registry) paginate(request *http.Request, entries []string) ([]string, string) {
	query := request.URL.Query()

	if last := query.Get("last"); last != "" {
		idx := sort.SearchStrings(entries, last)
		if idx < len(entries) && entries[idx] == last {
			idx++
		}

		entries = entries[idx:]
	}

	size := reg.PageSize
	if n, err := strconv.Atoi(query.Get("n")); err == nil && n > 0 {
		size = n
	}

	if size <= 0 || len(entries) <= size {
		return entries, ""
	}

	return entries[:size], entries[size-1]
}

func (reg *Registry) resolve(request *http.Request) (*repository, godigest.Digest, bool) {
	vars := mux.Vars(request)

	repository, ok := reg.repos[vars["name"]]
	if !ok {
		return nil, "", false
	}

	reference := vars["reference"]

	if digest, err := godigest.Parse(reference); err == nil {
		_, found := repository.manifests[digest]

		return repository, digest, found
	}

	digest, found := repository.tags[reference]

	return repository, digest, found
}

func (reg *Registry) getManifest(response http.ResponseWriter, request *http.Request) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	repository, digest, ok := reg.resolve(request)
	if !ok {
		writeError(response, http.StatusNotFound, apiErr.NewError(apiErr.MANIFEST_UNKNOWN))

		return
	}

	manifest := repository.manifests[digest]

	response.Header().Set(constants.DistContentDigestKey, digest.String())
	response.Header().Set("Content-Type", manifest.mediaType)
	response.Header().Set("Content-Length", strconv.Itoa(len(manifest.content)))
	response.WriteHeader(http.StatusOK)

	if request.Method == http.MethodGet {
		_, _ = response.Write(manifest.content)
	}
}

func (reg *Registry) updateManifest(response http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	name, reference := vars["name"], vars["reference"]

	content, err := io.ReadAll(request.Body)
	if err != nil || len(content) == 0 {
		writeError(response, http.StatusBadRequest, apiErr.NewError(apiErr.MANIFEST_INVALID))

		return
	}

	reg.lock.Lock()
	defer reg.lock.Unlock()

	tags := []string{}

	if digest, err := godigest.Parse(reference); err == nil {
		if digest != godigest.FromBytes(content) {
			writeError(response, http.StatusBadRequest, apiErr.NewError(apiErr.DIGEST_INVALID))

			return
		}
	} else {
		if !zreg.IsTag(reference) {
			writeError(response, http.StatusBadRequest, apiErr.NewError(apiErr.TAG_INVALID))

			return
		}

		tags = append(tags, reference)
	}

	digest := reg.store(name, content, request.Header.Get("Content-Type"), tags...)

	response.Header().Set("Location", fmt.Sprintf("%s/%s/manifests/%s", constants.RoutePrefix, name, digest))
	response.Header().Set(constants.DistContentDigestKey, digest.String())
	response.WriteHeader(http.StatusCreated)
}

func (reg *Registry) deleteManifest(response http.ResponseWriter, request *http.Request) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if _, err := godigest.Parse(mux.Vars(request)["reference"]); err != nil {
		writeError(response, http.StatusBadRequest, apiErr.NewError(apiErr.UNSUPPORTED))

		return
	}

	repository, digest, ok := reg.resolve(request)
	if !ok {
		writeError(response, http.StatusNotFound, apiErr.NewError(apiErr.MANIFEST_UNKNOWN))

		return
	}

	delete(repository.manifests, digest)

	for tag, tagged := range repository.tags {
		if tagged == digest {
			delete(repository.tags, tag)
		}
	}

	response.WriteHeader(http.StatusAccepted)
}

func (reg *Registry) createUpload(response http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["name"]
	sessionID := uuid.New().String()

	reg.lock.Lock()
	reg.repo(name)
	reg.uploads[sessionID] = name
	reg.lock.Unlock()

	location := fmt.Sprintf("%s/%s/blobs/uploads/%s?_state=%s", constants.RoutePrefix, name, sessionID, sessionID)
	if reg.AbsoluteLocation {
		location = reg.baseURL + location
	}

	response.Header().Set("Location", location)
	response.Header().Set(constants.BlobUploadUUID, sessionID)
	response.WriteHeader(http.StatusAccepted)
}

func (reg *Registry) finishUpload(response http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	name, sessionID := vars["name"], vars["session_id"]

	if request.URL.Query().Get("_state") != sessionID {
		writeError(response, http.StatusBadRequest, apiErr.NewError(apiErr.BLOB_UPLOAD_INVALID))

		return
	}

	digest, err := godigest.Parse(request.URL.Query().Get("digest"))
	if err != nil {
		writeError(response, http.StatusBadRequest, apiErr.NewError(apiErr.DIGEST_INVALID))

		return
	}

	content, err := io.ReadAll(request.Body)
	if err != nil || godigest.FromBytes(content) != digest {
		writeError(response, http.StatusBadRequest, apiErr.NewError(apiErr.DIGEST_INVALID))

		return
	}

	reg.lock.Lock()
	defer reg.lock.Unlock()

	if reg.uploads[sessionID] != name {
		writeError(response, http.StatusNotFound, apiErr.NewError(apiErr.BLOB_UPLOAD_UNKNOWN))

		return
	}

	delete(reg.uploads, sessionID)
	reg.repo(name).blobs[digest] = content

	response.Header().Set("Location", fmt.Sprintf("%s/%s/blobs/%s", constants.RoutePrefix, name, digest))
	response.Header().Set(constants.DistContentDigestKey, digest.String())
	response.WriteHeader(http.StatusCreated)
}

func sortedKeys[V any](entries map[string]V) []string {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	return keys
}

func writeJSON(response http.ResponseWriter, status int, body any) {
	blob, err := json.Marshal(body)
	if err != nil {
		response.WriteHeader(http.StatusInternalServerError)

		return
	}

	response.Header().Set("Content-Type", constants.DefaultMediaType)
	response.WriteHeader(status)
	_, _ = response.Write(blob)
}

func writeError(response http.ResponseWriter, status int, err *apiErr.Error) {
	writeJSON(response, status, apiErr.NewErrorList(err))
}
