package statusservice

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/gorilla/websocket"
	perrors "github.com/pkg/errors"

	"github.com/airenas/medscribe/internal/pkg/clean"
	"github.com/airenas/medscribe/internal/pkg/jobs"
	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/airenas/medscribe/internal/pkg/resolver"
	"github.com/airenas/medscribe/internal/pkg/store"
	"github.com/airenas/medscribe/internal/pkg/worker"

	"github.com/airenas/go-app/pkg/goapp"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Jobs provides job operations
type Jobs interface {
	CreateJob(ctx context.Context, sessionID, audioPath string) (*persistence.Job, error)
	GetJobStatus(ctx context.Context, id string) (*persistence.JobStatusView, error)
	ListJobs(ctx context.Context, sessionID string, limit int) ([]persistence.JobSummary, error)
	GetResult(ctx context.Context, id string) (*persistence.Result, error)
	SaveDownstream(ctx context.Context, id, soapStatus, soapError string) error
	Live(ctx context.Context) error
}

// Cleaner deletes finished job data
type Cleaner interface {
	Clean(ctx context.Context, id string) error
}

// WSConnHandler WebSocket connection wrapper
type WSConnHandler interface {
	HandleConnection(WsConn) error
	GetConnections(id string) ([]WsConn, bool)
}

// Data keeps data required for service work
type Data struct {
	Port      int
	Jobs      Jobs
	WSHandler WSConnHandler
	// Cleaner is optional, DELETE route is not registered without it
	Cleaner Cleaner
}

const notFound = "NOT_FOUND"

// StartWebServer starts echo web service, returns after shutdown signal
func StartWebServer(data *Data) error {
	goapp.Log.Info().Msgf("Starting HTTP diarization service at %d", data.Port)
	if err := validate(data); err != nil {
		return err
	}

	portStr := strconv.Itoa(data.Port)

	e := initRoutes(data)

	e.Server.Addr = ":" + portStr
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second

	gracehttp.SetLogger(log.New(goapp.Log, "", 0))

	return gracehttp.Serve(e.Server)
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("medscribe", nil)
}

func initRoutes(data *Data) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	e.POST("/jobs", createHandler(data))
	e.GET("/jobs", listHandler(data))
	e.GET("/status/:id", statusHandler(data))
	e.GET("/result/:id", resultHandler(data))
	e.PUT("/downstream/:id", downstreamHandler(data))
	if data.Cleaner != nil {
		e.DELETE("/jobs/:id", deleteHandler(data.Cleaner))
	}
	e.GET("/live", live(data))
	e.GET("/subscribe", subscribeHandler(data))

	goapp.Log.Info().Msg("Routes:")
	for _, r := range e.Routes() {
		goapp.Log.Info().Msgf("  %s %s", r.Method, r.Path)
	}
	return e
}

func live(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		if err := data.Jobs.Live(c.Request().Context()); err != nil {
			goapp.Log.Error().Err(err).Msg("store not live")
			return c.JSONBlob(http.StatusServiceUnavailable, []byte(`{"service":"OK","store":"FAIL"}`))
		}
		return c.JSONBlob(http.StatusOK, []byte(`{"service":"OK","store":"OK"}`))
	}
}

type createInput struct {
	SessionID string `json:"sessionId"`
	AudioPath string `json:"audioPath"`
}

type createResult struct {
	ID     string `json:"jobId"`
	Status string `json:"status"`
}

func createHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("create method")()

		var in createInput
		if err := c.Bind(&in); err != nil {
			goapp.Log.Warn().Err(err).Send()
			return echo.NewHTTPError(http.StatusBadRequest, "wrong input")
		}
		job, err := data.Jobs.CreateJob(c.Request().Context(), in.SessionID, in.AudioPath)
		if err != nil {
			return mapErr(err)
		}
		return c.JSON(http.StatusOK, createResult{ID: job.ID, Status: job.Status})
	}
}

func statusHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("status method")()

		id := c.Param("id")
		res, err := data.Jobs.GetJobStatus(c.Request().Context(), id)
		if err != nil {
			if isNotFound(err) {
				return c.JSON(http.StatusNotFound, &persistence.JobStatusView{ID: id, Status: notFound, ResolvedStatus: notFound,
					Chunks: []persistence.ChunkResult{},
					Errors: []persistence.StatusError{{Component: resolver.ComponentWorker, Code: notFound, Message: "unknown job"}}})
			}
			return mapErr(err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

type listResult struct {
	Jobs []persistence.JobSummary `json:"jobs"`
}

func listHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		limit := 0
		if l := c.QueryParam("limit"); l != "" {
			v, err := strconv.Atoi(l)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "wrong limit")
			}
			limit = v
		}
		res, err := data.Jobs.ListJobs(c.Request().Context(), c.QueryParam("sessionId"), limit)
		if err != nil {
			return mapErr(err)
		}
		return c.JSON(http.StatusOK, listResult{Jobs: res})
	}
}

func resultHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		res, err := data.Jobs.GetResult(c.Request().Context(), c.Param("id"))
		if err != nil {
			return mapErr(err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

type downstreamInput struct {
	SoapStatus string `json:"soapStatus"`
	SoapError  string `json:"soapError"`
}

func downstreamHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		var in downstreamInput
		if err := c.Bind(&in); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "wrong input")
		}
		if err := data.Jobs.SaveDownstream(c.Request().Context(), c.Param("id"), in.SoapStatus, in.SoapError); err != nil {
			return mapErr(err)
		}
		return c.JSONBlob(http.StatusOK, []byte(`{}`))
	}
}

func deleteHandler(cleaner Cleaner) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("delete method")()

		if err := cleaner.Clean(c.Request().Context(), c.Param("id")); err != nil {
			if errors.Is(err, clean.ErrActive) {
				return echo.NewHTTPError(http.StatusConflict, "job is not finished")
			}
			return mapErr(err)
		}
		return c.JSONBlob(http.StatusOK, []byte(`{}`))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidID)
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case isNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, notFound)
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, store.ErrUnavailable):
		goapp.Log.Warn().Err(err).Send()
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Service busy")
	}
	goapp.Log.Error().Err(err).Send()
	return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
}

func validate(data *Data) error {
	if data.Jobs == nil {
		return perrors.New("no Jobs")
	}
	if data.WSHandler == nil {
		return perrors.New("no WSHandler")
	}
	return nil
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	}}

func subscribeHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return err
		}
		defer ws.Close()

		return data.WSHandler.HandleConnection(ws)
	}
}
