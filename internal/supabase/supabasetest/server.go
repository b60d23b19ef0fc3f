// Package supabasetest provides an in-memory stand-in for the PostgREST and
// GoTrue admin endpoints of a Supabase project.
package supabasetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/supamigrate/internal/config"
	"github.com/ksred/supamigrate/internal/models"
)

const jwtSecret = "supabasetest-jwt-secret"

// ServiceRoleKey returns a signed key carrying the given role claim
func ServiceRoleKey(role string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":  "supabase",
		"role": role,
		"iat":  time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(err)
	}
	return signed
}

type table struct {
	rows           map[string]models.Row
	nextID         int64
	identityAlways bool
	failReads      bool
	failWrite      func(models.Row) bool
}

// Server is a fake Supabase project
type Server struct {
	URL string
	Key string

	srv *httptest.Server

	mu         sync.Mutex
	tables     map[string]*table
	users      []models.AuthUser
	rpcName    string
	rpcEnabled bool
	sqlHandler func(query string) error
	queries    []string
	writes     map[string]int
}

// NewServer starts a fake project that accepts a freshly minted service-role key
func NewServer() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		Key:        ServiceRoleKey(config.ServiceRole),
		tables:     make(map[string]*table),
		rpcName:    "exec_sql",
		rpcEnabled: true,
		writes:     make(map[string]int),
	}

	router := gin.New()
	router.Use(s.requireKey)
	router.Any("/rest/v1/*path", s.handleRest)
	router.GET("/auth/v1/admin/users", s.listUsers)
	router.POST("/auth/v1/admin/users", s.createUser)

	s.srv = httptest.NewServer(router)
	s.URL = s.srv.URL
	return s
}

// Close shuts the server down
func (s *Server) Close() {
	s.srv.Close()
}

// Project returns a REST project pointing at the server
func (s *Server) Project(name string) config.Project {
	return config.Project{
		Name:           name,
		URL:            s.URL,
		ServiceRoleKey: s.Key,
		Transport:      config.TransportREST,
		Timeout:        5 * time.Second,
	}
}

// CreateTable registers an empty table
func (s *Server) CreateTable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableLocked(name)
}

// Seed inserts rows as they are, advancing the id sequence past numeric ids
func (s *Server) Seed(name string, rows ...models.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableLocked(name)
	for _, row := range rows {
		t.put(cloneRow(row))
	}
}

// Rows returns a copy of a table's rows ordered by id
func (s *Server) Rows(name string) []models.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	rows := t.all()
	sortRows(rows, models.IDColumn)
	out := make([]models.Row, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out
}

// SetIdentityAlways makes the table reject explicit ids, like a
// GENERATED ALWAYS AS IDENTITY column
func (s *Server) SetIdentityAlways(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableLocked(name).identityAlways = true
}

// FailReads makes every read of the table return a server error
func (s *Server) FailReads(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableLocked(name).failReads = true
}

// FailWrites rejects any write request containing a row that matches
func (s *Server) FailWrites(name string, match func(models.Row) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableLocked(name).failWrite = match
}

// SetSQLHandler installs the behavior of the SQL-execution RPC
func (s *Server) SetSQLHandler(fn func(query string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sqlHandler = fn
}

// DisableRPC removes the SQL-execution function
func (s *Server) DisableRPC() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpcEnabled = false
}

// Queries returns every statement received by the SQL-execution RPC
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// WriteRequests returns the number of write requests received for a table
func (s *Server) WriteRequests(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[name]
}

// SeedUsers adds auth users
func (s *Server) SeedUsers(users ...models.AuthUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, users...)
}

// Users returns a copy of the auth users
func (s *Server) Users() []models.AuthUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuthUser(nil), s.users...)
}

func (s *Server) requireKey(c *gin.Context) {
	if c.GetHeader("apikey") != s.Key || c.GetHeader("Authorization") != "Bearer "+s.Key {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid API key"})
		return
	}
	c.Next()
}

func (s *Server) handleRest(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")

	if fn, ok := strings.CutPrefix(path, "rpc/"); ok {
		if c.Request.Method != http.MethodPost {
			c.AbortWithStatus(http.StatusMethodNotAllowed)
			return
		}
		s.handleRPC(c, fn)
		return
	}

	switch c.Request.Method {
	case http.MethodGet:
		s.selectRows(c, path)
	case http.MethodHead:
		s.countRows(c, path)
	case http.MethodPost:
		s.writeRows(c, path)
	default:
		c.AbortWithStatus(http.StatusMethodNotAllowed)
	}
}

func (s *Server) lookup(c *gin.Context, name string) (*table, bool) {
	t, ok := s.tables[name]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"code":    "42P01",
			"message": fmt.Sprintf("relation \"public.%s\" does not exist", name),
		})
		return nil, false
	}
	if t.failReads && (c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    "XX000",
			"message": "simulated read failure",
		})
		return nil, false
	}
	return t, true
}

func (s *Server) selectRows(c *gin.Context, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.lookup(c, name)
	if !ok {
		return
	}

	rows := t.all()
	orderBy := models.IDColumn
	if order := c.Query("order"); order != "" {
		orderBy = strings.TrimSuffix(order, ".asc")
	}
	sortRows(rows, orderBy)

	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(len(rows))))
	if offset > len(rows) {
		offset = len(rows)
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}

	c.JSON(http.StatusOK, rows[offset:end])
}

func (s *Server) countRows(c *gin.Context, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.lookup(c, name)
	if !ok {
		return
	}

	n := len(t.rows)
	if c.GetHeader("Prefer") == "count=exact" {
		if n == 0 {
			c.Header("Content-Range", "*/0")
		} else {
			c.Header("Content-Range", fmt.Sprintf("0-%d/%d", n-1, n))
		}
	} else {
		c.Header("Content-Range", "0-0/*")
	}
	c.Status(http.StatusOK)
}

func (s *Server) writeRows(c *gin.Context, name string) {
	var rows []models.Row
	if err := c.ShouldBindJSON(&rows); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "PGRST102", "message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes[name]++

	t, ok := s.lookup(c, name)
	if !ok {
		return
	}

	if cols := c.Query("columns"); cols != "" {
		for _, row := range rows {
			for _, col := range strings.Split(cols, ",") {
				if _, present := row[col]; !present {
					row[col] = models.Null()
				}
			}
		}
	}

	upsert := strings.Contains(c.GetHeader("Prefer"), "resolution=merge-duplicates") &&
		c.Query("on_conflict") == models.IDColumn

	// Validate the whole batch first so a rejected request writes nothing
	for _, row := range rows {
		if t.failWrite != nil && t.failWrite(row) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "23514",
				"message": "new row violates check constraint",
			})
			return
		}
		id, hasID := row[models.IDColumn]
		if t.identityAlways && hasID {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "428C9",
				"message": "cannot insert a non-DEFAULT value into column \"id\"",
				"details": "Column \"id\" is an identity column defined as GENERATED ALWAYS.",
				"hint":    "Use OVERRIDING SYSTEM VALUE to override.",
			})
			return
		}
		if hasID && !upsert {
			if _, exists := t.rows[key(id)]; exists {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"code":    "23505",
					"message": "duplicate key value violates unique constraint",
				})
				return
			}
		}
	}

	for _, row := range rows {
		if _, hasID := row[models.IDColumn]; !hasID {
			row[models.IDColumn] = models.Int(t.nextID)
		}
		if existing, ok := t.rows[key(row[models.IDColumn])]; ok && upsert {
			for col, v := range row {
				existing[col] = v
			}
			continue
		}
		t.put(row)
	}

	c.Status(http.StatusCreated)
}

func (s *Server) handleRPC(c *gin.Context, fn string) {
	var body struct {
		Query string `json:"query"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "PGRST102", "message": err.Error()})
		return
	}

	s.mu.Lock()
	if !s.rpcEnabled || fn != s.rpcName {
		s.mu.Unlock()
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"code":    "PGRST202",
			"message": fmt.Sprintf("Could not find the function public.%s(query) in the schema cache", fn),
		})
		return
	}
	s.queries = append(s.queries, body.Query)
	handler := s.sqlHandler
	s.mu.Unlock()

	if handler != nil {
		if err := handler(body.Query); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "P0001", "message": err.Error()})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := (page - 1) * perPage
	if start > len(s.users) {
		start = len(s.users)
	}
	end := start + perPage
	if end > len(s.users) {
		end = len(s.users)
	}

	c.JSON(http.StatusOK, gin.H{"users": s.users[start:end], "aud": "authenticated"})
}

func (s *Server) createUser(c *gin.Context) {
	var body struct {
		ID           string          `json:"id"`
		Email        string          `json:"email"`
		Phone        string          `json:"phone"`
		EmailConfirm bool            `json:"email_confirm"`
		PhoneConfirm bool            `json:"phone_confirm"`
		UserMetadata json.RawMessage `json:"user_metadata"`
		AppMetadata  json.RawMessage `json:"app_metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if body.ID != "" && u.ID == body.ID {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"code": 422, "error_code": "user_already_exists", "msg": "User already registered",
			})
			return
		}
		if body.Email != "" && u.NormalizedEmail() == strings.ToLower(body.Email) {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"code": 422, "error_code": "email_exists",
				"msg": "A user with this email address has already been registered",
			})
			return
		}
	}

	now := time.Now().UTC()
	user := models.AuthUser{
		ID:           body.ID,
		Email:        body.Email,
		Phone:        body.Phone,
		UserMetadata: body.UserMetadata,
		AppMetadata:  body.AppMetadata,
		CreatedAt:    now,
	}
	if user.ID == "" {
		user.ID = fmt.Sprintf("00000000-0000-4000-8000-%012d", len(s.users)+1)
	}
	if body.EmailConfirm {
		user.EmailConfirmedAt = &now
	}
	if body.PhoneConfirm {
		user.PhoneConfirmedAt = &now
	}
	s.users = append(s.users, user)

	c.JSON(http.StatusOK, user)
}

func (s *Server) tableLocked(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]models.Row), nextID: 1}
		s.tables[name] = t
	}
	return t
}

func (t *table) put(row models.Row) {
	id, ok := row[models.IDColumn]
	if !ok {
		id = models.Int(t.nextID)
		row[models.IDColumn] = id
	}
	if n, ok := id.AsNumber(); ok {
		if i, err := n.Int64(); err == nil && i >= t.nextID {
			t.nextID = i + 1
		}
	}
	t.rows[key(id)] = row
}

func (t *table) all() []models.Row {
	rows := make([]models.Row, 0, len(t.rows))
	for _, r := range t.rows {
		rows = append(rows, r)
	}
	return rows
}

func key(v models.Value) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func cloneRow(r models.Row) models.Row {
	out := make(models.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func sortRows(rows []models.Row, col string) {
	sort.SliceStable(rows, func(i, j int) bool {
		return less(rows[i][col], rows[j][col])
	})
}

// less orders nulls last, numbers numerically and everything else by its JSON text
func less(a, b models.Value) bool {
	if a.IsNull() || b.IsNull() {
		return !a.IsNull() && b.IsNull()
	}
	an, aok := a.AsNumber()
	bn, bok := b.AsNumber()
	if aok && bok {
		af, _ := an.Float64()
		bf, _ := bn.Float64()
		return af < bf
	}
	return key(a) < key(b)
}
