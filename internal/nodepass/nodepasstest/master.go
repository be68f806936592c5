// Package nodepasstest serves an in-memory NodePass master API for tests.
package nodepasstest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nodepassproject/npctl/internal/command"
	"github.com/nodepassproject/npctl/internal/model"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Master is a fake NodePass master. Created instances get their config filled
// with log=info when the request left log unset, mimicking master defaults.
type Master struct {
	*httptest.Server

	APIKey  string
	Version string

	instances cmap.ConcurrentMap[string, model.RemoteInstance]
	seq       atomic.Int64
	failList  atomic.Bool
	calls     cmap.ConcurrentMap[string, int]
}

// NewMaster starts a fake master that is closed when t finishes.
func NewMaster(t testing.TB, apiKey string) *Master {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := &Master{
		APIKey:    apiKey,
		Version:   "v1.6.2",
		instances: cmap.New[model.RemoteInstance](),
		calls:     cmap.New[int](),
	}

	r := gin.New()
	api := r.Group("/api/v1", m.auth)
	api.GET("/info", m.info)
	api.GET("/instances", m.list)
	api.POST("/instances", m.create)
	api.PUT("/instances/:id", m.update)
	api.PATCH("/instances/:id", m.patch)
	api.DELETE("/instances/:id", m.remove)

	m.Server = httptest.NewServer(r)
	t.Cleanup(m.Server.Close)
	return m
}

// Target returns a model.Server pointing at this master.
func (m *Master) Target(id string) model.Server {
	return model.Server{ID: id, Name: id, URL: m.URL + "/api/v1", APIKey: m.APIKey}
}

// Put seeds or replaces an instance.
func (m *Master) Put(inst model.RemoteInstance) {
	m.instances.Set(inst.ID, inst)
}

func (m *Master) Get(id string) (model.RemoteInstance, bool) {
	return m.instances.Get(id)
}

// Instances returns every instance sorted by id.
func (m *Master) Instances() []model.RemoteInstance {
	arr := make([]model.RemoteInstance, 0, m.instances.Count())
	for _, inst := range m.instances.Items() {
		arr = append(arr, inst)
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].ID < arr[j].ID })
	return arr
}

func (m *Master) Len() int {
	return m.instances.Count()
}

// FailListing makes GET /instances answer 500.
func (m *Master) FailListing(fail bool) {
	m.failList.Store(fail)
}

// Calls returns how many requests matched "METHOD /path-pattern".
func (m *Master) Calls(route string) int {
	n, _ := m.calls.Get(route)
	return n
}

func (m *Master) auth(c *gin.Context) {
	m.calls.Upsert(c.Request.Method+" "+c.FullPath(), 1, func(exist bool, old, n int) int {
		if exist {
			return old + n
		}
		return n
	})
	if m.APIKey != "" && c.GetHeader("X-API-Key") != m.APIKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (m *Master) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ver": m.Version, "name": "fake", "os": "linux", "arch": "amd64"})
}

func (m *Master) list(c *gin.Context) {
	if m.failList.Load() {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing unavailable"})
		return
	}
	c.JSON(http.StatusOK, m.Instances())
}

type urlBody struct {
	URL string `json:"url"`
}

func (m *Master) create(c *gin.Context) {
	var body urlBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst, err := materialize(body.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst.ID = fmt.Sprintf("%08x", m.seq.Add(1))
	inst.Status = model.StatusRunning
	m.instances.Set(inst.ID, inst)
	c.JSON(http.StatusCreated, inst)
}

func (m *Master) update(c *gin.Context) {
	id := c.Param("id")
	cur, ok := m.instances.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	var body urlBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := materialize(body.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next.ID, next.Status, next.Meta = cur.ID, cur.Status, cur.Meta
	m.instances.Set(id, next)
	c.JSON(http.StatusOK, next)
}

type patchBody struct {
	Action string          `json:"action"`
	Meta   *model.Metadata `json:"meta"`
}

func (m *Master) patch(c *gin.Context) {
	id := c.Param("id")
	cur, ok := m.instances.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	var body patchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch body.Action {
	case "":
	case "start", "restart":
		cur.Status = model.StatusRunning
	case "stop":
		cur.Status = model.StatusStopped
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}
	if body.Meta != nil {
		if cur.Meta == nil {
			cur.Meta = &model.Metadata{}
		}
		cur.Meta.Peer = body.Meta.Peer
		if body.Meta.Tags != nil {
			cur.Meta.Tags = body.Meta.Tags
		}
	}
	m.instances.Set(id, cur)
	c.JSON(http.StatusOK, cur)
}

func (m *Master) remove(c *gin.Context) {
	id := c.Param("id")
	if _, ok := m.instances.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	m.instances.Remove(id)
	c.Status(http.StatusNoContent)
}

func materialize(raw string) (model.RemoteInstance, error) {
	parsed, err := command.Decode(raw)
	if err != nil {
		return model.RemoteInstance{}, err
	}
	if !parsed.Scheme.Known() {
		return model.RemoteInstance{}, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	full := parsed
	if full.Log == "" {
		full.Log = command.LogInfo
	}
	cfg, err := command.Encode(full)
	if err != nil {
		return model.RemoteInstance{}, err
	}
	return model.RemoteInstance{
		Type:   model.InstanceType(parsed.Scheme),
		URL:    raw,
		Config: cfg,
	}, nil
}
