package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasklist/domain"
)

const (
	maxBodySize = 64 << 10

	msgMissingTask   = "Missing task data"
	msgInvalidFormat = "Invalid request format"
	msgNotFound      = "Task not found"
	msgDuplicate     = "Duplicate request"
	msgStorage       = "Task storage unavailable"
	msgIDExhausted   = "No task ids left"
)

// errUnchanged aborts an update that has nothing to write.
var errUnchanged = errors.New("unchanged")

// Register wires up the UI, JSON API and login routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, sessions *Sessions, deduper Deduper, logger *log.Logger) {
	h := &handlers{
		store:    store,
		sessions: sessions,
		deduper:  deduper,
		broker:   newUpdateBroker(),
		log:      logger,
	}

	e.GET("/", h.index)
	e.GET("/task/add", h.addForm)
	e.GET("/task/edit/:id", h.editForm)

	g := e.Group("/api")
	g.POST("/tasks", h.createTask)
	g.GET("/tasks", h.listTasks)
	g.GET("/tasks/stream", streamTasks(store, h.broker, logger))
	g.GET("/tasks/:id", h.getTask)
	g.POST("/tasks/:id", h.formAction)
	g.PUT("/tasks/:id", h.replaceTask)
	g.PATCH("/tasks/:id/toggle", h.toggleTask)
	g.DELETE("/tasks/:id", h.deleteTask)

	e.GET("/auth/login", h.loginForm)
	e.POST("/auth/login", h.login)
	e.GET("/auth/logout", h.logout)

	e.GET("/healthz", h.healthz)
}

type handlers struct {
	store    Storage
	sessions *Sessions
	deduper  Deduper
	broker   *updateBroker
	log      *log.Logger
}

func (h *handlers) load(c echo.Context) ([]domain.Task, error) {
	start := time.Now()
	tasks, err := h.store.Load(c.Request().Context())
	metricsFrom(c).ObserveStore(time.Since(start))
	if err != nil {
		metricsFrom(c).SetErrorStage("storage")
		h.log.WithError(err).Error("load tasks")
	}
	return tasks, err
}

// update runs fn under the store lock and notifies stream subscribers when
// something was written. errUnchanged from fn is not an error.
func (h *handlers) update(c echo.Context, fn func([]domain.Task) ([]domain.Task, error)) error {
	start := time.Now()
	_, err := h.store.Update(c.Request().Context(), fn)
	metricsFrom(c).ObserveStore(time.Since(start))
	switch {
	case err == nil:
		h.broker.notify()
		return nil
	case errors.Is(err, errUnchanged):
		return nil
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrEmptyDescription),
		errors.Is(err, domain.ErrIDSpaceExhausted):
		metricsFrom(c).SetErrorStage("validation")
		return err
	default:
		metricsFrom(c).SetErrorStage("storage")
		h.log.WithError(err).Error("update tasks")
		return err
	}
}

func (h *handlers) page(c echo.Context, name string, data pageData) error {
	data.User = h.sessions.UserFromRequest(c.Request())
	return c.Render(http.StatusOK, name, data)
}

func (h *handlers) index(c echo.Context) error {
	tasks, err := h.load(c)
	if err != nil {
		return c.String(http.StatusInternalServerError, msgStorage)
	}
	metricsFrom(c).SetTasksReturned(len(tasks))
	return h.page(c, "list.html", pageData{Tasks: tasks})
}

func (h *handlers) addForm(c echo.Context) error {
	return h.page(c, "form.html", pageData{})
}

func (h *handlers) editForm(c echo.Context) error {
	id, ok := taskID(c)
	if !ok {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	tasks, err := h.load(c)
	if err != nil {
		return c.String(http.StatusInternalServerError, msgStorage)
	}
	task, ok := domain.Find(tasks, id)
	if !ok {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	return h.page(c, "form.html", pageData{Task: &task})
}

// createTask accepts either the UI form (field "task") or a JSON body.
func (h *handlers) createTask(c echo.Context) error {
	if isJSON(c.Request()) {
		return h.createTaskJSON(c)
	}
	description := strings.TrimSpace(c.FormValue("task"))
	if description == "" {
		metricsFrom(c).SetErrorStage("validation")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: msgInvalidFormat})
	}
	err := h.update(c, func(tasks []domain.Task) ([]domain.Task, error) {
		tasks, _, err := domain.Append(tasks, description, false)
		return tasks, err
	})
	if errors.Is(err, domain.ErrIDSpaceExhausted) {
		return c.String(http.StatusConflict, msgIDExhausted)
	}
	if err != nil {
		return c.String(http.StatusInternalServerError, msgStorage)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (h *handlers) createTaskJSON(c echo.Context) error {
	var req createTaskRequest
	if err := decodeJSON(c.Request().Body, &req); err != nil {
		metricsFrom(c).SetErrorStage("decode")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: msgInvalidFormat})
	}
	if req.Task == nil || strings.TrimSpace(*req.Task) == "" {
		metricsFrom(c).SetErrorStage("validation")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: msgMissingTask})
	}
	done := req.Done != nil && *req.Done

	release, ok, err := h.claimIdempotencyKey(c)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	}
	if !ok {
		metricsFrom(c).SetErrorStage("duplicate")
		return c.JSON(http.StatusConflict, errorResponse{Error: msgDuplicate})
	}

	var created domain.Task
	err = h.update(c, func(tasks []domain.Task) ([]domain.Task, error) {
		var err error
		tasks, created, err = domain.Append(tasks, *req.Task, done)
		return tasks, err
	})
	if err != nil {
		release()
		return h.jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// claimIdempotencyKey records the request's Idempotency-Key. It reports
// false for a replay; the returned release func forgets the key again so a
// failed create can be retried.
func (h *handlers) claimIdempotencyKey(c echo.Context) (release func(), ok bool, err error) {
	noop := func() {}
	key := strings.TrimSpace(c.Request().Header.Get(IdempotencyHeader))
	if h.deduper == nil || key == "" {
		return noop, true, nil
	}
	scope := h.sessions.UserFromRequest(c.Request())
	if scope == "" {
		scope = "anonymous"
	}
	ctx := c.Request().Context()
	added, err := h.deduper.Add(ctx, scope, key)
	if err != nil {
		metricsFrom(c).SetErrorStage("idempotency")
		h.log.WithError(err).WithField("key", key).Error("record idempotency key")
		return noop, false, errors.New("idempotency check unavailable")
	}
	if !added {
		return noop, false, nil
	}
	return func() {
		if rerr := h.deduper.Remove(context.WithoutCancel(ctx), scope, key); rerr != nil {
			h.log.WithError(rerr).WithField("key", key).Error("idempotency rollback failed")
		}
	}, true, nil
}

func (h *handlers) listTasks(c echo.Context) error {
	tasks, err := h.load(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: msgStorage})
	}
	metricsFrom(c).SetTasksReturned(len(tasks))
	return c.JSON(http.StatusOK, tasks)
}

func (h *handlers) getTask(c echo.Context) error {
	id, ok := taskID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: msgNotFound})
	}
	tasks, err := h.load(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: msgStorage})
	}
	task, ok := domain.Find(tasks, id)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: msgNotFound})
	}
	return c.JSON(http.StatusOK, task)
}

// formAction applies the toggle, edit and delete buttons of the UI. Every
// outcome, including an unknown id, redirects back to the list.
func (h *handlers) formAction(c echo.Context) error {
	id, ok := taskID(c)
	if !ok {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	action := domain.Action(c.FormValue("action"))
	description := c.FormValue("task")
	done := c.FormValue("done") == "on"

	err := h.update(c, func(tasks []domain.Task) ([]domain.Task, error) {
		if domain.Index(tasks, id) < 0 {
			return nil, domain.ErrTaskNotFound
		}
		switch action {
		case domain.ActionToggle:
			_, err := domain.Toggle(tasks, id)
			return tasks, err
		case domain.ActionEdit:
			if _, err := domain.Edit(tasks, id, description, done); err != nil {
				if errors.Is(err, domain.ErrEmptyDescription) {
					return nil, errUnchanged
				}
				return nil, err
			}
			return tasks, nil
		case domain.ActionDelete:
			return domain.Remove(tasks, id)
		default:
			return nil, errUnchanged
		}
	})
	if err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
		return c.String(http.StatusInternalServerError, msgStorage)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (h *handlers) replaceTask(c echo.Context) error {
	id, ok := taskID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: msgNotFound})
	}
	var req updateTaskRequest
	if err := decodeJSON(c.Request().Body, &req); err != nil {
		metricsFrom(c).SetErrorStage("decode")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: msgInvalidFormat})
	}
	if req.Task == nil {
		metricsFrom(c).SetErrorStage("validation")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: msgMissingTask})
	}

	var updated domain.Task
	err := h.update(c, func(tasks []domain.Task) ([]domain.Task, error) {
		current, ok := domain.Find(tasks, id)
		if !ok {
			return nil, domain.ErrTaskNotFound
		}
		done := current.Done
		if req.Done != nil {
			done = *req.Done
		}
		var err error
		updated, err = domain.Edit(tasks, id, *req.Task, done)
		return tasks, err
	})
	if err != nil {
		return h.jsonError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *handlers) toggleTask(c echo.Context) error {
	id, ok := taskID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: msgNotFound})
	}
	var toggled domain.Task
	err := h.update(c, func(tasks []domain.Task) ([]domain.Task, error) {
		var err error
		toggled, err = domain.Toggle(tasks, id)
		return tasks, err
	})
	if err != nil {
		return h.jsonError(c, err)
	}
	return c.JSON(http.StatusOK, toggled)
}

func (h *handlers) deleteTask(c echo.Context) error {
	id, ok := taskID(c)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: msgNotFound})
	}
	err := h.update(c, func(tasks []domain.Task) ([]domain.Task, error) {
		return domain.Remove(tasks, id)
	})
	if err != nil {
		return h.jsonError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) jsonError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: msgNotFound})
	case errors.Is(err, domain.ErrEmptyDescription):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: msgMissingTask})
	case errors.Is(err, domain.ErrIDSpaceExhausted):
		return c.JSON(http.StatusConflict, errorResponse{Error: msgIDExhausted})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: msgStorage})
	}
}

func (h *handlers) loginForm(c echo.Context) error {
	return h.page(c, "login.html", pageData{})
}

// login accepts any non-empty username without checking credentials.
func (h *handlers) login(c echo.Context) error {
	username := strings.TrimSpace(c.FormValue("username"))
	if username != "" {
		token, exp, err := h.sessions.Issue(username)
		if err != nil {
			h.log.WithError(err).Error("issue session")
			return c.String(http.StatusInternalServerError, "login failed")
		}
		c.SetCookie(h.sessions.cookie(token, exp))
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (h *handlers) logout(c echo.Context) error {
	c.SetCookie(clearedSessionCookie())
	return c.Redirect(http.StatusSeeOther, "/")
}

func (h *handlers) healthz(c echo.Context) error {
	if _, err := h.load(c); err != nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusOK)
}

func taskID(c echo.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func isJSON(r *http.Request) bool {
	ct := r.Header.Get(echo.HeaderContentType)
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), echo.MIMEApplicationJSON)
}

func decodeJSON(body io.Reader, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(body, maxBodySize))
	return dec.Decode(v)
}
