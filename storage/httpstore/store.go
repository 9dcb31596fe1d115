// Package httpstore is a mirror.Store backed by the document API of another portal server.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/mirror"
)

const watchReadWait = 90 * time.Second

// StatusError is an unexpected response of the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal api: %d %s", e.Code, e.Message)
}

type Store struct {
	baseURL string
	token   string
	client  *http.Client
	dialer  *websocket.Dialer
}

var (
	_ mirror.Store   = (*Store)(nil) // interface compliance check
	_ mirror.Watcher = (*Store)(nil)
)

// New returns a store calling the API at conf.BaseURL (e.g. https://portal.example.com) with the JWT conf.Token.
func New(conf core.RemoteConfig, client *http.Client) *Store {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Store{
		baseURL: strings.TrimSuffix(conf.BaseURL, "/"),
		token:   conf.Token,
		client:  client,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (s *Store) collectionURL(collection string, elem ...string) string {
	u := s.baseURL + "/v1/collections/" + url.PathEscape(collection)
	for _, e := range elem {
		u += "/" + url.PathEscape(e)
	}
	return u
}

func (s *Store) do(ctx context.Context, method, u string, body []byte, out interface{}) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, u)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	serr := &StatusError{Code: resp.StatusCode, Message: msg}
	if resp.StatusCode == http.StatusBadRequest {
		return core.NewValidationError(serr)
	}
	return serr
}

func (s *Store) Read(ctx context.Context, collection string) ([]mirror.Document, error) {
	return s.Query(ctx, collection, "", "")
}

// Query filters on the server. An empty field reads the whole collection.
func (s *Store) Query(ctx context.Context, collection, field, value string) ([]mirror.Document, error) {
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	u := s.collectionURL(collection)
	if field != "" {
		u += "?" + url.Values{"field": {field}, "value": {value}}.Encode()
	}
	var docs []mirror.Document
	if err := s.do(ctx, http.MethodGet, u, nil, &docs); err != nil {
		return nil, errors.Wrapf(err, "reading %s", collection)
	}
	mirror.SortDocuments(docs)
	return docs, nil
}

func (s *Store) Set(ctx context.Context, collection string, doc mirror.Document) error {
	if err := mirror.ValidateKey(collection); err != nil {
		return err
	}
	if err := mirror.ValidateKey(doc.ID); err != nil {
		return err
	}
	if err := s.do(ctx, http.MethodPut, s.collectionURL(collection, doc.ID), doc.Data, nil); err != nil {
		return errors.Wrapf(err, "writing %s/%s", collection, doc.ID)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, collection, id string) error {
	if err := mirror.ValidateKey(collection); err != nil {
		return err
	}
	if err := mirror.ValidateKey(id); err != nil {
		return err
	}
	if err := s.do(ctx, http.MethodDelete, s.collectionURL(collection, id), nil, nil); err != nil {
		return errors.Wrapf(err, "removing %s/%s", collection, id)
	}
	return nil
}

// Changes watches the collection over a websocket. Every snapshot pushed after the first one is a change.
// It returns once the first snapshot is received, so that no later change is missed.
func (s *Store) Changes(ctx context.Context, collection string) (<-chan struct{}, error) {
	if err := mirror.ValidateKey(collection); err != nil {
		return nil, err
	}
	wsURL := "ws" + strings.TrimPrefix(s.collectionURL(collection, "watch"), "http")
	if s.token != "" {
		wsURL += "?" + url.Values{"token": {s.token}}.Encode()
	}

	conn, resp, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			err = statusError(resp)
		}
		return nil, errors.Wrapf(err, "watching %s", collection)
	}
	_ = conn.SetReadDeadline(time.Now().Add(watchReadWait))
	if _, _, err := conn.ReadMessage(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "watching %s", collection)
	}

	_ = conn.SetReadDeadline(time.Time{})

	ch := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()
	go func() {
		defer close(ch)
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			select {
			case ch <- struct{}{}:
			default: // coalesced
			}
		}
	}()
	return ch, nil
}

// Close releases the idle connections of the client.
func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
