package tasks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientAgainstHandler(t *testing.T) {
	store := NewFileStore(t.TempDir())
	srv := httptest.NewServer(Handler(store, "s3cret"))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "s3cret")
	req := CreateRequest{Title: "Fix login bug", Priority: PriorityHigh, IdempotencyKey: "standup/op-1"}

	task, err := c.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	again, err := c.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTask retry: %v", err)
	}
	if task.ID != again.ID {
		t.Fatalf("idempotency key ignored: %s vs %s", task.ID, again.ID)
	}

	stored, err := store.Get(task.ID)
	if err != nil || stored.Priority != PriorityHigh {
		t.Fatalf("stored task = %+v %v", stored, err)
	}
}

func TestClientErrors(t *testing.T) {
	store := NewFileStore(t.TempDir())
	srv := httptest.NewServer(Handler(store, "s3cret"))
	defer srv.Close()

	_, err := NewClient(srv.URL, "wrong").CreateTask(context.Background(), CreateRequest{Title: "x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unauthorized: %v", err)
	}

	_, err = NewClient(srv.URL, "s3cret").CreateTask(context.Background(), CreateRequest{Title: ""})
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("invalid request: %v", err)
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = NewClient(slow.URL, "").CreateTask(ctx, CreateRequest{Title: "x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("timeout: %v", err)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = NewClient(closed.URL, "").CreateTask(context.Background(), CreateRequest{Title: "x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unreachable: %v", err)
	}
}

func TestHandlerListAndGet(t *testing.T) {
	store := NewFileStore(t.TempDir())
	task, _ := store.CreateTask(context.Background(), CreateRequest{Title: "a", Tags: []string{"ops"}})
	srv := httptest.NewServer(Handler(store, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks/" + task.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET task status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/tasks/task_nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET missing status = %d", resp.StatusCode)
	}
}
