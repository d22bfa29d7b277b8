package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v5"

	"github.com/nzbcore/gonzbd/internal/app"
	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
	"github.com/nzbcore/gonzbd/internal/ingest"
)

// Controller carries the app context into the handlers.
type Controller struct {
	App *app.Context
}

// downloadView is the JSON shape a Download renders as.
type downloadView struct {
	ID              int64   `json:"id"`
	DisplayName     string  `json:"display_name"`
	Category        string  `json:"category,omitempty"`
	Status          string  `json:"status"`
	Priority        int     `json:"priority"`
	Progress        float64 `json:"progress"`
	Speed           string  `json:"speed"`
	Size            string  `json:"size"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Error           string  `json:"error,omitempty"`
}

func viewOf(d *domain.Download) downloadView {
	return downloadView{
		ID:              d.ID,
		DisplayName:     d.DisplayName,
		Category:        d.Category,
		Status:          string(d.Status),
		Priority:        int(d.Priority),
		Progress:        d.ProgressFraction,
		Speed:           humanize.Bytes(uint64(d.CurrentSpeedBps)) + "/s",
		Size:            humanize.Bytes(uint64(d.TotalBytes)),
		DownloadedBytes: d.DownloadedBytes,
		TotalBytes:      d.TotalBytes,
	}
}

// Add ingests the NZB carried in the request body. Options come in as
// query parameters: name (required), category, priority, password,
// post_process.
func (ctrl *Controller) Add(c *echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil || len(raw) == 0 {
		return c.JSON(http.StatusBadRequest, errJSON("request body must contain NZB XML"))
	}

	name := c.QueryParam("name")
	if name == "" {
		return c.JSON(http.StatusBadRequest, errJSON("query parameter 'name' is required"))
	}

	priority := domain.PriorityNormal
	if p := c.QueryParam("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < int(domain.PriorityLow) || n > int(domain.PriorityForce) {
			return c.JSON(http.StatusBadRequest, errJSON("priority must be -1..2"))
		}
		priority = domain.Priority(n)
	}

	opts := ingest.Options{
		DisplayName:      name,
		Category:         c.QueryParam("category"),
		Priority:         priority,
		PasswordOverride: c.QueryParam("password"),
		PostProcessMode:  domain.PostProcessMode(c.QueryParam("post_process")),
	}

	id, err := ctrl.App.AddDownload(c.Request().Context(), raw, opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int64{"id": id})
}

func (ctrl *Controller) List(c *echo.Context) error {
	downloads, err := ctrl.App.Store.ListDownloads(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	views := make([]downloadView, len(downloads))
	for i, d := range downloads {
		views[i] = viewOf(d)
	}
	return c.JSON(http.StatusOK, views)
}

func (ctrl *Controller) Get(c *echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := ctrl.App.Store.GetDownload(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	v := viewOf(d)
	v.Error = d.Error
	return c.JSON(http.StatusOK, v)
}

func (ctrl *Controller) Pause(c *echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := ctrl.App.Scheduler.Pause(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *Controller) Resume(c *echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := ctrl.App.Scheduler.Resume(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *Controller) Cancel(c *echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := ctrl.App.Scheduler.Cancel(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *Controller) SetPriority(c *echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body struct {
		Priority int `json:"priority"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errJSON("body must be {\"priority\": -1..2}"))
	}
	if body.Priority < int(domain.PriorityLow) || body.Priority > int(domain.PriorityForce) {
		return c.JSON(http.StatusBadRequest, errJSON("priority must be -1..2"))
	}
	if err := ctrl.App.Scheduler.SetPriority(c.Request().Context(), id, domain.Priority(body.Priority)); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *Controller) PauseAll(c *echo.Context) error {
	if err := ctrl.App.Scheduler.PauseAll(c.Request().Context()); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *Controller) ResumeAll(c *echo.Context) error {
	if err := ctrl.App.Scheduler.ResumeAll(c.Request().Context()); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *Controller) History(c *echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if o := c.QueryParam("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}
	entries, err := ctrl.App.Store.QueryHistory(c.Request().Context(), limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (ctrl *Controller) SetSpeedLimit(c *echo.Context) error {
	var body struct {
		LimitBps int64 `json:"limit_bps"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errJSON("body must be {\"limit_bps\": n} (0 = unlimited)"))
	}
	ctrl.App.SetSpeedLimit(body.LimitBps)
	return c.NoContent(http.StatusNoContent)
}

// Events streams the event bus over Server-Sent Events. A subscriber
// that falls behind the bus buffer receives a "gap" event carrying how
// many notifications it missed; the store remains authoritative.
func (ctrl *Controller) Events(c *echo.Context) error {
	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, ch := ctrl.App.Bus.Subscribe()
	defer ctrl.App.Bus.Unsubscribe(id)

	flusher, _ := w.(http.Flusher)
	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if gap := ctrl.App.Bus.Gap(id); gap > 0 {
				fmt.Fprintf(w, "event: gap\ndata: {\"missed\": %d}\n\n", gap)
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func pathID(c *echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, c.JSON(http.StatusBadRequest, errJSON("id must be an integer"))
	}
	return id, nil
}

func errJSON(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// respondError maps the engine's closed error kinds onto HTTP statuses.
func respondError(c *echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errs.Is(err, errs.KindNotFound):
		status = http.StatusNotFound
	case errs.Is(err, errs.KindConflict):
		status = http.StatusConflict
	case errs.Is(err, errs.KindDuplicate):
		status = http.StatusConflict
	case errs.Is(err, errs.KindInvalidNzb):
		status = http.StatusBadRequest
	case errs.Is(err, errs.KindShuttingDown):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, errJSON(err.Error()))
}
