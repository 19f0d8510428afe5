package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskroom/domain"
	"taskroom/internal/consts"
	"taskroom/storage"
)

// Register wires up all API routes on the provided Echo instance. Every
// successful mutation is handed to pub exactly once; store failures suppress
// the broadcast entirely.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, pub Publisher, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(store, auth, logger))
	e.GET("/api/tasks/:id", getTask(store, auth))
	e.POST("/api/tasks", createTask(store, auth, deduper, pub))
	e.PUT("/api/tasks/:id", updateTask(store, auth, pub))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth, pub))
	e.GET("/api/users", getUsers(store, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newRequestMetrics(ctx, logger, "/api/tasks")
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		status := strings.TrimSpace(c.QueryParam("status"))
		if status != "" && !domain.ValidStatus(status) {
			metrics.SetErrorStage("invalid_status")
			err = c.String(http.StatusBadRequest, "invalid status filter")
			return err
		}

		fetchStart := time.Now()
		tasks, fetchErr := store.FetchTasks(ctx, consts.DefaultRoom)
		metrics.ObserveStore(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		if status != "" {
			filtered := tasks[:0]
			for _, t := range tasks {
				if t.Status == status {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasks)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		task, err := store.GetTask(ctx, consts.DefaultRoom, c.Param("id"))
		if err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, task)
	}
}

type createTaskRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Tags        []string `json:"tags"`
}

func createTask(store Storage, auth Authenticator, deduper Deduper, pub Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return bodyError(c, err)
		}
		if req.Status == "" {
			req.Status = domain.StatusPending
		}

		draft := domain.Task{
			Title:       req.Title,
			Description: req.Description,
			Status:      req.Status,
			Tags:        req.Tags,
		}
		if err := draft.Validate(); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		dedupeKey := c.Request().Header.Get(IdempotencyKeyHeader)
		if dedupeKey != "" && deduper != nil {
			added, dedupeErr := deduper.Add(ctx, userID, dedupeKey)
			if dedupeErr != nil {
				c.Logger().Errorf("dedupe add failed: %v", dedupeErr)
			} else if !added {
				return c.String(http.StatusConflict, "duplicate request")
			}
		}

		draft.CreatedBy = resolveCreator(c, store, userID)

		task, err := store.CreateTask(ctx, consts.DefaultRoom, draft)
		if err != nil {
			if dedupeKey != "" && deduper != nil {
				if rerr := deduper.Remove(ctx, userID, dedupeKey); rerr != nil {
					c.Logger().Errorf("dedupe rollback failed: %v, key: %s, user: %s", rerr, dedupeKey, userID)
				}
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create task")
		}

		pub.Publish(domain.Envelope{
			Kind:   domain.TaskCreated,
			RoomID: consts.DefaultRoom,
			Task:   &task,
			Origin: c.Request().Header.Get(ConnectionIDHeader),
		})
		return c.JSON(http.StatusCreated, task)
	}
}

func updateTask(store Storage, auth Authenticator, pub Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return bodyError(c, err)
		}
		if err := validatePatch(patch); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		task, err := store.UpdateTask(ctx, consts.DefaultRoom, c.Param("id"), patch)
		if err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to update task")
		}

		pub.Publish(domain.Envelope{
			Kind:   domain.TaskUpdated,
			RoomID: consts.DefaultRoom,
			Task:   &task,
			Origin: c.Request().Header.Get(ConnectionIDHeader),
		})
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(store Storage, auth Authenticator, pub Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		id := c.Param("id")
		if err := store.DeleteTask(ctx, consts.DefaultRoom, id); err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to delete task")
		}

		pub.Publish(domain.Envelope{
			Kind:   domain.TaskDeleted,
			RoomID: consts.DefaultRoom,
			TaskID: id,
			Origin: c.Request().Header.Get(ConnectionIDHeader),
		})
		return c.NoContent(http.StatusNoContent)
	}
}

func getUsers(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		users, err := store.FetchUsers(ctx)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, users)
	}
}

// decodeBody decodes a mutation body. The byte cap is enforced upstream by
// GzipRequestMiddleware on the decompressed stream.
func decodeBody(c echo.Context, dst any) error {
	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func bodyError(c echo.Context, err error) error {
	if errors.Is(err, errBodyTooLarge) {
		return c.String(http.StatusRequestEntityTooLarge, errBodyTooLarge.Error())
	}
	return c.String(http.StatusBadRequest, "invalid body")
}

func validatePatch(p domain.TaskPatch) error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if p.Status != nil && !domain.ValidStatus(*p.Status) {
		return domain.ValidationError{Field: "status", Reason: "must be pending, in-progress or completed"}
	}
	return nil
}

// resolveCreator looks the authenticated user up in the directory. An
// unknown subject still gets a usable reference; task creation must not
// depend on directory completeness.
func resolveCreator(c echo.Context, store Storage, userID string) domain.UserRef {
	user, err := store.GetUser(c.Request().Context(), userID)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			c.Logger().Errorf("resolve creator: %v", err)
		}
		return domain.UserRef{ID: userID, Username: userID}
	}
	return domain.UserRef{ID: user.ID, Username: user.Username}
}
