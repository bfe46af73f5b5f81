package server

import (
	"errors"
	"log"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/taskgraph/internal/archive"
	"github.com/mohammad-safakhou/taskgraph/internal/coordinator"
	"github.com/mohammad-safakhou/taskgraph/internal/protocol"
	"github.com/mohammad-safakhou/taskgraph/internal/queue"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

// Token scopes checked when authentication is on.
const (
	ScopeTasksRead  = "tasks:read"
	ScopeTasksWrite = "tasks:write"
)

type TasksHandler struct {
	Pipeline Pipeline
	Launcher queue.Launcher
	Logger   *log.Logger
}

// Register mounts the task routes. Scopes are enforced only when auth
// middleware is given.
func (h *TasksHandler) Register(e *echo.Echo, auth ...echo.MiddlewareFunc) {
	read, write := auth, auth
	if len(auth) > 0 {
		read = append(slices.Clone(auth), RequireScopes(ScopeTasksRead))
		write = append(slices.Clone(auth), RequireScopes(ScopeTasksWrite))
	}
	e.POST("/task", h.create, write...)
	e.GET("/task/:id", h.get, read...)
}

// create
//
//	@Summary	Submit a task
//	@Tags		tasks
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		protocol.CreateTaskRequest	true	"Task"
//	@Success	200		{object}	protocol.CreateTaskResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	503		{object}	HTTPError
//	@Router		/task [post]
func (h *TasksHandler) create(c echo.Context) error {
	var req protocol.CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	task, err := h.Pipeline.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, coordinator.ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Launcher.Launch(ctx, task); err != nil {
		// The task stays pending and is picked up by the next recovery pass.
		h.Logger.Printf("warn: launch task %s: %v", task.ID, err)
		if errors.Is(err, queue.ErrFull) || errors.Is(err, queue.ErrClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "task "+task.ID+" accepted but not started: "+err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "task "+task.ID+" accepted but not started: "+err.Error())
	}
	return c.JSON(http.StatusOK, protocol.CreateTaskResponse{
		TaskID:  task.ID,
		Status:  "started",
		Message: "Task started successfully",
	})
}

// get
//
//	@Summary	Task status
//	@Tags		tasks
//	@Produce	json
//	@Param		id	path		string	true	"Task ID"
//	@Success	200	{object}	protocol.TaskStatusResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/task/{id} [get]
func (h *TasksHandler) get(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	out, err := h.Pipeline.Status(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, taskgraph.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Task not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

type AgentsHandler struct {
	Pipeline Pipeline
}

func (h *AgentsHandler) Register(e *echo.Echo, auth ...echo.MiddlewareFunc) {
	e.GET("/agents", h.list, auth...)
}

func (h *AgentsHandler) list(c echo.Context) error {
	agents, err := h.Pipeline.Agents(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, agents)
}

type SearchHandler struct {
	Archive Searcher
}

func (h *SearchHandler) Register(e *echo.Echo, auth ...echo.MiddlewareFunc) {
	e.GET("/results/search", h.search, auth...)
}

func (h *SearchHandler) search(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	k := 10
	if raw := c.QueryParam("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "k must be between 1 and 100")
		}
		k = n
	}
	hits, err := h.Archive.Search(c.Request().Context(), q, k)
	if err != nil {
		if errors.Is(err, archive.ErrEmptyQuery) {
			return echo.NewHTTPError(http.StatusBadRequest, "q is required")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []archive.Hit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"query": q, "hits": hits})
}

type health struct {
	store Pinger
}

func (h *health) get(c echo.Context) error {
	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.store != nil {
		if err := h.store.Ping(c.Request().Context()); err != nil {
			body["status"] = "degraded"
			body["graph"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["graph"] = "ok"
	}
	return c.JSON(http.StatusOK, body)
}

// HTTPError is the body of every error response.
type HTTPError struct {
	Error string `json:"error"`
}
