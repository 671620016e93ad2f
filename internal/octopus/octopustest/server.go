// Package octopustest provides an in-memory Octopus server for tests.
package octopustest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/iac-studio/featurebranch/internal/octopus"
)

// APIKey is the credential the fake server accepts.
const APIKey = "API-TEST"

// Call is one recorded request.
type Call struct {
	Method string
	Path   string
}

type fault struct {
	method    string
	substring string
	status    int
	remaining int // <0 means forever
}

// Server is a fake Octopus server. Collections are ordered so that list
// responses are deterministic.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	spaces []octopus.Document
	data   map[string]map[string][]octopus.Document
	seq    map[string]int
	calls  []Call
	faults []*fault
	// cancels still needed before a task reports completion
	cancelsLeft map[string]int
}

// NewServer starts a fake server. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		data:        map[string]map[string][]octopus.Document{},
		seq:         map[string]int{},
		cancelsLeft: map[string]int{},
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.authenticate)
	r.Use(s.injectFaults)

	r.Get("/api/spaces", s.listSpaces)
	r.Route("/api/{space}", func(sr chi.Router) {
		sr.Get("/projects/{project}/channels", s.listChannels)
		sr.Post("/projects/{project}/channels", s.createChannel)
		sr.Get("/projects/{project}/channels/{id}", s.getChannel)
		sr.Delete("/projects/{project}/channels/{id}", s.deleteChannel)
		sr.Get("/channels/{id}/releases", s.listChannelReleases)
		sr.Post("/tasks/{id}/cancel", s.cancelTask)

		sr.Get("/{collection}", s.list)
		sr.Post("/{collection}", s.create)
		sr.Get("/{collection}/{id}", s.get)
		sr.Put("/{collection}/{id}", s.update)
		sr.Delete("/{collection}/{id}", s.remove)
	})
	return r
}

// Calls returns a copy of every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CountCalls counts requests with the given method whose path contains substring.
func (s *Server) CountCalls(method, substring string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && strings.Contains(c.Path, substring) {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded requests.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// Fail makes the next n requests matching method and path substring return
// status. n < 0 fails every matching request.
func (s *Server) Fail(method, substring string, status, n int) {
	s.mu.Lock()
	s.faults = append(s.faults, &fault{method: method, substring: substring, status: status, remaining: n})
	s.mu.Unlock()
}

// ClearFaults removes every injected fault.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	s.faults = nil
	s.mu.Unlock()
}

// AddSpace registers a space and returns its id.
func (s *Server) AddSpace(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("Spaces-%d", len(s.spaces)+1)
	s.spaces = append(s.spaces, octopus.Document{"Id": id, "Name": name})
	s.data[id] = map[string][]octopus.Document{}
	return id
}

// Add stores doc in a collection, assigning an id when missing.
func (s *Server) Add(spaceID, collection string, doc octopus.Document) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(spaceID, collection, doc)
}

// AddProject registers a project.
func (s *Server) AddProject(spaceID, name string) string {
	return s.Add(spaceID, octopus.Projects, octopus.Document{"Name": name})
}

// AddMachine registers a deployment target assigned to envIDs.
func (s *Server) AddMachine(spaceID, name string, envIDs ...string) string {
	doc := octopus.Document{"Name": name, "Roles": []any{"web"}}
	doc.SetStrings("EnvironmentIds", envIDs)
	return s.Add(spaceID, octopus.Machines, doc)
}

// AddDeployment registers a deployment on a channel with a task that needs
// cancels cancellation requests before it reports completion. cancels == 0
// creates an already completed task.
func (s *Server) AddDeployment(spaceID, projectID, channelID string, cancels int) (deploymentID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID = s.insert(spaceID, octopus.Tasks, octopus.Document{
		"State":       taskState(cancels),
		"IsCompleted": cancels == 0,
	})
	s.cancelsLeft[taskID] = cancels
	deploymentID = s.insert(spaceID, octopus.Deployments, octopus.Document{
		"ProjectId": projectID,
		"ChannelId": channelID,
		"TaskId":    taskID,
	})
	return deploymentID, taskID
}

// AddRelease registers a release on a channel.
func (s *Server) AddRelease(spaceID, projectID, channelID, version string) string {
	return s.Add(spaceID, octopus.Releases, octopus.Document{
		"ProjectId": projectID,
		"ChannelId": channelID,
		"Version":   version,
	})
}

// Docs returns copies of a collection's documents.
func (s *Server) Docs(spaceID, collection string) []octopus.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []octopus.Document
	for _, d := range s.data[spaceID][collection] {
		out = append(out, clone(d))
	}
	return out
}

// Find returns the first document in a collection with the exact name.
func (s *Server) Find(spaceID, collection, name string) (octopus.Document, bool) {
	for _, d := range s.Docs(spaceID, collection) {
		if d["Name"] == name {
			return d, true
		}
	}
	return nil, false
}

// Doc returns a document by id.
func (s *Server) Doc(spaceID, collection, id string) (octopus.Document, bool) {
	for _, d := range s.Docs(spaceID, collection) {
		if d.ID() == id {
			return d, true
		}
	}
	return nil, false
}

func (s *Server) insert(spaceID, collection string, doc octopus.Document) string {
	if _, ok := s.data[spaceID]; !ok {
		s.data[spaceID] = map[string][]octopus.Document{}
	}
	doc = clone(doc)
	id := doc.ID()
	if id == "" {
		s.seq[collection]++
		id = fmt.Sprintf("%s-%d", strings.ToUpper(collection[:1])+collection[1:], s.seq[collection])
		doc["Id"] = id
	}
	doc["SpaceId"] = spaceID
	s.data[spaceID][collection] = append(s.data[spaceID][collection], doc)
	return id
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Octopus-ApiKey") != APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := 0
		for _, f := range s.faults {
			if f.remaining == 0 || f.method != r.Method || !strings.Contains(r.URL.Path, f.substring) {
				continue
			}
			if f.remaining > 0 {
				f.remaining--
			}
			status = f.status
			break
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "injected fault")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listSpaces(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := filterByName(s.spaces, r)
	s.mu.Unlock()
	writePage(w, items)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	space, collection := chi.URLParam(r, "space"), chi.URLParam(r, "collection")
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.data[space]
	if !ok {
		writeError(w, http.StatusNotFound, "space not found")
		return
	}
	items := docs[collection]
	if p := r.URL.Query().Get("projects"); p != "" {
		items = filterField(items, "ProjectId", p)
	}
	if c := r.URL.Query().Get("channels"); c != "" {
		items = filterField(items, "ChannelId", c)
	}
	writePage(w, filterByName(items, r))
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	space, collection := chi.URLParam(r, "space"), chi.URLParam(r, "collection")
	var doc octopus.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[space]; !ok {
		writeError(w, http.StatusNotFound, "space not found")
		return
	}
	name, _ := doc["Name"].(string)
	for _, existing := range s.data[space][collection] {
		if existing["Name"] == name {
			writeError(w, http.StatusBadRequest, "name already in use")
			return
		}
	}
	delete(doc, "Id")
	id := s.insert(space, collection, doc)
	writeJSON(w, http.StatusCreated, s.lookup(space, collection, id))
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	space, collection, id := chi.URLParam(r, "space"), chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.lookup(space, collection, id)
	if doc == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	space, collection, id := chi.URLParam(r, "space"), chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	var doc octopus.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.data[space][collection]
	for i, existing := range list {
		if existing.ID() == id {
			doc["Id"] = id
			doc["SpaceId"] = space
			list[i] = doc
			writeJSON(w, http.StatusOK, clone(doc))
			return
		}
	}
	writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	space, collection, id := chi.URLParam(r, "space"), chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.drop(space, collection, id) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	space, project := chi.URLParam(r, "space"), chi.URLParam(r, "project")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(space, octopus.Projects, project) == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writePage(w, filterByName(filterField(s.data[space][octopus.Channels], "ProjectId", project), r))
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	space, project := chi.URLParam(r, "space"), chi.URLParam(r, "project")
	var doc octopus.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(space, octopus.Projects, project) == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if doc["ProjectId"] != project {
		writeError(w, http.StatusBadRequest, "channel project does not match route")
		return
	}
	lifecycleID, _ := doc["LifecycleId"].(string)
	if lifecycleID != "" && s.lookup(space, octopus.Lifecycles, lifecycleID) == nil {
		writeError(w, http.StatusBadRequest, "unknown lifecycle")
		return
	}
	delete(doc, "Id")
	id := s.insert(space, octopus.Channels, doc)
	writeJSON(w, http.StatusCreated, s.lookup(space, octopus.Channels, id))
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	space, id := chi.URLParam(r, "space"), chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.lookup(space, octopus.Channels, id)
	if doc == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) deleteChannel(w http.ResponseWriter, r *http.Request) {
	space, id := chi.URLParam(r, "space"), chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range filterField(s.data[space][octopus.Deployments], "ChannelId", id) {
		taskID, _ := d["TaskId"].(string)
		if task := s.lookup(space, octopus.Tasks, taskID); task != nil && task["IsCompleted"] != true {
			writeError(w, http.StatusBadRequest, "channel has running deployments")
			return
		}
	}
	if !s.drop(space, octopus.Channels, id) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listChannelReleases(w http.ResponseWriter, r *http.Request) {
	space, id := chi.URLParam(r, "space"), chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	writePage(w, filterField(s.data[space][octopus.Releases], "ChannelId", id))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	space, id := chi.URLParam(r, "space"), chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.lookup(space, octopus.Tasks, id)
	if task == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if left := s.cancelsLeft[id]; left > 0 {
		s.cancelsLeft[id] = left - 1
	}
	left := s.cancelsLeft[id]
	for _, d := range s.data[space][octopus.Tasks] {
		if d.ID() == id {
			d["State"] = taskState(left)
			d["IsCompleted"] = left == 0
		}
	}
	w.WriteHeader(http.StatusOK)
}

// lookup returns a copy of a document; callers hold s.mu.
func (s *Server) lookup(space, collection, id string) octopus.Document {
	for _, d := range s.data[space][collection] {
		if d.ID() == id {
			return clone(d)
		}
	}
	return nil
}

// drop removes a document; callers hold s.mu.
func (s *Server) drop(space, collection, id string) bool {
	list := s.data[space][collection]
	for i, d := range list {
		if d.ID() == id {
			s.data[space][collection] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func taskState(cancelsLeft int) string {
	if cancelsLeft == 0 {
		return "Canceled"
	}
	return "Executing"
}

// filterByName mimics the server's partialName prefilter: a case-insensitive
// substring match, capped by take.
func filterByName(items []octopus.Document, r *http.Request) []octopus.Document {
	partial := strings.ToLower(r.URL.Query().Get("partialName"))
	take := len(items)
	if t, err := strconv.Atoi(r.URL.Query().Get("take")); err == nil && t < take {
		take = t
	}
	out := []octopus.Document{}
	for _, d := range items {
		name, _ := d["Name"].(string)
		if partial != "" && !strings.Contains(strings.ToLower(name), partial) {
			continue
		}
		if len(out) == take {
			break
		}
		out = append(out, clone(d))
	}
	return out
}

func filterField(items []octopus.Document, field, value string) []octopus.Document {
	var out []octopus.Document
	for _, d := range items {
		if d[field] == value {
			out = append(out, d)
		}
	}
	return out
}

func clone(d octopus.Document) octopus.Document {
	b, _ := json.Marshal(d)
	var out octopus.Document
	_ = json.Unmarshal(b, &out)
	return out
}

func writePage(w http.ResponseWriter, items []octopus.Document) {
	if items == nil {
		items = []octopus.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"Items": items, "TotalResults": len(items)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ErrorMessage": msg})
}
