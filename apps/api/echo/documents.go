package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/auth"
	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/core/portal"
)

const maxDocumentSize = 1 << 20

// docWriter validates and writes the raw document data of a known collection.
type docWriter func(ctx context.Context, id string, data []byte) error

type documentAPI struct {
	*server
	writers map[string]docWriter
}

func registerDocumentAPI(g *echo.Group, jwt, wsJWT echo.MiddlewareFunc, s *server) {
	api := documentAPI{server: s, writers: typedWriters(s.Portal)}

	cg := g.Group("/collections/:collection", api.collectionMiddleware)
	cg.GET("", api.query, jwt)
	cg.GET("/watch", api.watch, wsJWT)
	cg.PUT("/:id", api.set, jwt)
	cg.DELETE("/:id", api.remove, jwt)
}

// typedWriters routes the writes of the entity collections through the mirrors of p,
// so that they are validated and trigger the notifications.
func typedWriters(p *portal.Portal) map[string]docWriter {
	if p == nil {
		return nil
	}
	return map[string]docWriter{
		entity.UsersCollection:         typedWriter(p.Users),
		entity.SubjectsCollection:      typedWriter(p.Subjects),
		entity.AssignmentsCollection:   typedWriter(p.Assignments),
		entity.AnnouncementsCollection: typedWriter(p.Announcements),
		entity.TimetableCollection:     typedWriter(p.Timetable),
		entity.DaysCollection:          typedWriter(p.Days),
		entity.CoursesCollection:       typedWriter(p.Courses),
		entity.FeedbackCollection:      typedWriter(p.Feedback),
		entity.MessagesCollection:      typedWriter(p.Messages),
		entity.GridItemsCollection:     typedWriter(p.GridItems),
		entity.AttendanceCollection:    typedWriter(p.Attendance),
		entity.RatingsCollection:       typedWriter(p.Ratings),
	}
}

func typedWriter[T mirror.Entity](m *mirror.Mirror[T]) docWriter {
	return func(ctx context.Context, id string, data []byte) error {
		var obj map[string]interface{}
		if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
			return core.NewValidationError(errors.New("invalid JSON object"))
		}
		if docID, ok := obj["id"]; !ok || docID == "" {
			obj["id"] = id
		} else if docID != id {
			return core.NewValidationError(nil, core.FieldError{Field: "id", Error: "does not match the URL"})
		}
		patched, err := json.Marshal(obj)
		if err != nil {
			return errors.Wrap(err, "encoding document")
		}

		var e T
		if err := json.Unmarshal(patched, &e); err != nil {
			return core.NewValidationError(errors.Wrap(err, "decoding "+m.Collection()))
		}
		return m.Write(ctx, e).Await(ctx).Err
	}
}

func (api documentAPI) allowed(collection string) bool {
	if collection == auth.AccountsCollection {
		return false
	}
	if len(api.Collections) == 0 {
		return true
	}
	for _, c := range api.Collections {
		if c == collection {
			return true
		}
	}
	return false
}

func (api documentAPI) collectionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		c := ctx.Param("collection")
		if mirror.ValidateKey(c) != nil || !api.allowed(c) {
			return errHttpNotFound
		}
		return next(ctx)
	}
}

func (api documentAPI) read(ctx context.Context, collection, field, value string) ([]mirror.Document, error) {
	var (
		docs []mirror.Document
		err  error
	)
	if field != "" {
		api.metrics.documentOps.WithLabelValues(collection, "query").Inc()
		docs, err = api.Store.Query(ctx, collection, field, value)
	} else {
		api.metrics.documentOps.WithLabelValues(collection, "read").Inc()
		docs, err = api.Store.Read(ctx, collection)
	}
	if docs == nil && err == nil {
		docs = []mirror.Document{}
	}
	return docs, err
}

func (api documentAPI) query(ctx echo.Context) error {
	docs, err := api.read(ctx.Request().Context(), ctx.Param("collection"), ctx.QueryParam("field"), ctx.QueryParam("value"))
	if err != nil {
		return errors.Wrap(err, "reading documents")
	}
	return ctx.JSON(http.StatusOK, docs)
}

func (api documentAPI) set(ctx echo.Context) error {
	collection, id := ctx.Param("collection"), ctx.Param("id")
	if err := mirror.ValidateKey(id); err != nil {
		return err
	}
	if err := checkProfileOwner(ctx, collection, id); err != nil {
		return err
	}

	data, err := ioutil.ReadAll(http.MaxBytesReader(ctx.Response(), ctx.Request().Body, maxDocumentSize))
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "document too large")
	}
	if !json.Valid(data) {
		return core.NewValidationError(errors.New("invalid JSON document"))
	}

	rctx := ctx.Request().Context()
	api.metrics.documentOps.WithLabelValues(collection, "set").Inc()
	if write, ok := api.writers[collection]; ok {
		err = write(rctx, id, data)
	} else {
		err = api.Store.Set(rctx, collection, mirror.Document{ID: id, Data: data})
	}
	if err != nil {
		return errors.Wrap(err, "writing document")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api documentAPI) remove(ctx echo.Context) error {
	collection, id := ctx.Param("collection"), ctx.Param("id")
	if err := mirror.ValidateKey(id); err != nil {
		return err
	}
	if err := checkProfileOwner(ctx, collection, id); err != nil {
		return err
	}
	api.metrics.documentOps.WithLabelValues(collection, "remove").Inc()
	if err := api.Store.Remove(ctx.Request().Context(), collection, id); err != nil {
		return errors.Wrap(err, "removing document")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// checkProfileOwner restricts the changes of a user profile to its owner and the admins.
func checkProfileOwner(ctx echo.Context, collection, id string) error {
	if collection != entity.UsersCollection {
		return nil
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	if claims.Subject != id && claims.Role != entity.RoleAdmin {
		return errHttpForbidden
	}
	return nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watch pushes the documents of the collection (optionally filtered by field/value)
// on connection and after every change.
func (api documentAPI) watch(ctx echo.Context) error {
	collection, field, value := ctx.Param("collection"), ctx.QueryParam("field"), ctx.QueryParam("value")

	conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return nil // the upgrader already replied
	}
	defer func() { _ = conn.Close() }()
	api.metrics.watchers.Inc()
	defer api.metrics.watchers.Dec()

	wctx, cancel := context.WithCancel(ctx.Request().Context())
	defer cancel()
	go discardIncoming(conn, cancel)

	var (
		changes <-chan struct{}
		ticker  *time.Ticker
	)
	if w, ok := api.Store.(mirror.Watcher); ok {
		if changes, err = w.Changes(wctx, collection); err != nil {
			return api.closeWithError(conn, err)
		}
	} else {
		interval := api.Conf.PollInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	var last []byte
	push := func() error {
		docs, err := api.read(wctx, collection, field, value)
		if err != nil {
			return err
		}
		msg, err := json.Marshal(docs)
		if err != nil {
			return err
		}
		if bytes.Equal(msg, last) {
			return nil
		}
		last = msg
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, msg)
	}

	if err := push(); err != nil {
		return api.closeWithError(conn, err)
	}
	for {
		var tick <-chan time.Time
		if ticker != nil {
			tick = ticker.C
		}
		select {
		case <-wctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		case <-tick:
		}
		if err := push(); err != nil {
			if wctx.Err() != nil {
				return nil
			}
			return api.closeWithError(conn, err)
		}
	}
}

// discardIncoming reads (and drops) the client messages, so that the close frames are handled.
// cancel is called once the connection is gone.
func discardIncoming(conn *websocket.Conn, cancel func()) {
	defer cancel()
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// closeWithError logs err and closes the connection. The response is hijacked, so nothing is returned to echo.
func (api documentAPI) closeWithError(conn *websocket.Conn, err error) error {
	api.Logger.Warn("watch failed", errors.Wrap(err, "watching collection"))
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch failed")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return nil
}
