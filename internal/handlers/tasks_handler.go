package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/idempotency"
	"github.com/imrishuroy/go-reliable-taskflow/internal/validation"
)

const headerIdempotencyKey = "Idempotency-Key"

func (h *handler) createTask(c *gin.Context) {
	ctx := c.Request.Context()

	// Bind + validate request
	var req validation.CreateTaskRequest
	if err := validation.BindAndValidate(c, &req, h.Validator); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	if key := apiKey(c); key != nil {
		if key.UserID != req.UserID {
			writeError(c, apperror.Newf(apperror.KindUnauthorized, "handlers.create_task",
				"api key %s does not belong to user %s", key.KeyID, req.UserID))
			return
		}
		req.KeyID = key.KeyID
	}

	idempKey := c.GetHeader(headerIdempotencyKey)
	if h.Idempotency == nil {
		idempKey = ""
	}
	if idempKey != "" {
		created, err := h.Idempotency.Begin(ctx, idempKey)
		if err != nil {
			writeError(c, apperror.New(apperror.KindDownstream, "handlers.create_task", err))
			return
		}
		if !created {
			h.replay(c, idempKey)
			return
		}
	}

	task, err := h.Tasks.Submit(ctx, req)
	if err != nil {
		if idempKey != "" {
			if merr := h.Idempotency.MarkFailed(ctx, idempKey, err.Error()); merr != nil {
				h.Logger.WithField("idempotency_key", idempKey).WithError(merr).Warn("mark idempotency failed")
			}
		}
		writeError(c, err)
		return
	}

	body, err := json.Marshal(task)
	if err != nil {
		writeError(c, err)
		return
	}
	if idempKey != "" {
		if merr := h.Idempotency.MarkDone(ctx, idempKey, task.TaskID, string(body), http.StatusCreated); merr != nil {
			h.Logger.WithField("idempotency_key", idempKey).WithError(merr).Warn("mark idempotency done")
		}
	}

	c.Header("Location", fmt.Sprintf("/tasks/%s", task.TaskID))
	c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
}

// replay answers a repeated Idempotency-Key from the stored record.
func (h *handler) replay(c *gin.Context, key string) {
	rec, err := h.Idempotency.Get(c.Request.Context(), key)
	if err != nil {
		writeError(c, apperror.New(apperror.KindDownstream, "handlers.create_task", err))
		return
	}
	if rec == nil {
		writeError(c, apperror.Newf(apperror.KindConflict, "handlers.create_task", "idempotency key %s changed state, retry", key))
		return
	}
	switch rec.Status {
	case idempotency.StatusDone:
		c.Header("Location", fmt.Sprintf("/tasks/%s", rec.TaskID))
		c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
	case idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
	default:
		writeError(c, apperror.Newf(apperror.KindConflict, "handlers.create_task", "idempotency key %s is %s", key, rec.Status))
	}
}

func (h *handler) getTask(c *gin.Context) {
	task, err := h.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if key := apiKey(c); key != nil && key.UserID != task.UserID {
		// hide other users' tasks
		writeError(c, apperror.Newf(apperror.KindNotFound, "handlers.get_task", "task %s not found", task.TaskID))
		return
	}
	c.JSON(http.StatusOK, task)
}
