package http

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sofie-web/sofie/http/mime"
	"github.com/sofie-web/sofie/http/status"
	"github.com/sofie-web/sofie/kv"
)

func TestResponse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		resp := Respond().Empty()
		require.Equal(t, status.OK, resp.Code())
		require.Equal(t, status.Status("OK"), resp.Status())
		require.Empty(t, resp.Body())
		require.Zero(t, resp.ContentLength())
		require.True(t, resp.Headers().Empty())
	})

	t.Run("zero value", func(t *testing.T) {
		var resp Response
		require.Equal(t, status.OK, resp.Code())
		require.Empty(t, resp.Expose().Headers)
	})

	t.Run("code is replaced", func(t *testing.T) {
		resp := Respond().Code(status.NotFound).Code(status.Teapot).Empty()
		require.Equal(t, status.Teapot, resp.Code())
		require.Equal(t, status.Text(status.Teapot), resp.Status())
	})

	t.Run("custom status text", func(t *testing.T) {
		resp := Respond().Code(status.OK).Status("Fine").Empty()
		require.Equal(t, status.Status("Fine"), resp.Status())
		require.Equal(t, status.Status("Fine"), resp.Expose().Status)
	})

	t.Run("headers are preserved with duplicates", func(t *testing.T) {
		resp := Respond().
			Header("Hello", "world").
			Header("Set-Cookie", "a=1").
			Header("set-cookie", "b=2", "c=3").
			String("ok")

		want := []kv.Pair{
			{Key: "Hello", Value: "world"},
			{Key: "Set-Cookie", Value: "a=1"},
			{Key: "set-cookie", Value: "b=2"},
			{Key: "set-cookie", Value: "c=3"},
		}

		require.Equal(t, want, resp.Expose().Headers)
		require.Equal(t, []string{"a=1", "b=2", "c=3"}, resp.Values("SET-COOKIE"))

		value, found := resp.Header("hELLO")
		require.True(t, found)
		require.Equal(t, "world", value)

		_, found = resp.Header("Missing")
		require.False(t, found)
	})

	t.Run("expose is repeatable", func(t *testing.T) {
		resp := Respond().Code(status.Created).Header("A", "b").String("body")
		first := resp.Expose()
		first.Headers[0].Value = "mutated"
		second := resp.Expose()

		require.Equal(t, "b", second.Headers[0].Value)
		require.Equal(t, resp.Expose(), second)
		require.Equal(t, status.Created, second.Code)
		require.Equal(t, "body", string(second.Body))
	})

	t.Run("headers copy is independent", func(t *testing.T) {
		resp := Respond().Header("A", "b").Empty()
		resp.Headers().Add("C", "d").Set("A", "x")

		require.Equal(t, []string{"b"}, resp.Values("A"))
		require.False(t, resp.Headers().Has("C"))
	})

	t.Run("builder reuse does not affect finished response", func(t *testing.T) {
		builder := Respond().Header("A", "1")
		first := builder.String("first")
		second := builder.Header("A", "2").Code(status.Accepted).String("second")

		require.Equal(t, []string{"1"}, first.Values("A"))
		require.Equal(t, status.OK, first.Code())
		require.Equal(t, []string{"1", "2"}, second.Values("A"))
		require.Equal(t, status.Accepted, second.Code())
	})

	t.Run("no content", func(t *testing.T) {
		resp := Respond().Code(status.NoContent).Empty()
		require.Equal(t, status.NoContent, resp.Code())
		require.Empty(t, resp.Body())
	})

	t.Run("large body", func(t *testing.T) {
		body := strings.Repeat("a", 100_000)
		resp := Respond().String(body)
		require.Equal(t, 100_000, resp.ContentLength())
		require.Equal(t, body, string(resp.Body()))
	})

	t.Run("no validation at build time", func(t *testing.T) {
		resp := Respond().Code(42).Header("Bad\r\nName", "value").Empty()
		require.Equal(t, status.Code(42), resp.Code())
		require.Equal(t, status.Text(42), resp.Status())
	})

	t.Run("content type", func(t *testing.T) {
		resp := Respond().ContentType(mime.Plain).ContentType(mime.HTML).String("<h1>hi</h1>")
		require.Equal(t, []string{mime.HTML}, resp.Values("content-type"))
	})

	t.Run("JSON", func(t *testing.T) {
		resp := Respond().JSON([]int{1, 2, 3})
		require.Equal(t, "[1,2,3]", string(resp.Body()))
		require.Equal(t, []string{mime.JSON}, resp.Values("Content-Type"))
	})

	t.Run("TryJSON with unsupported model", func(t *testing.T) {
		_, err := Respond().TryJSON(make(chan int))
		require.Error(t, err)

		resp := Respond().JSON(make(chan int))
		require.Equal(t, status.InternalServerError, resp.Code())
	})

	t.Run("errors", func(t *testing.T) {
		resp := Respond().Error(status.ErrNotFound)
		require.Equal(t, status.NotFound, resp.Code())
		require.Equal(t, "not found", string(resp.Body()))

		resp = Respond().Error(errors.New("database is down"))
		require.Equal(t, status.InternalServerError, resp.Code())

		resp = Respond().Code(status.Accepted).Error(nil)
		require.Equal(t, status.Accepted, resp.Code())
	})

	t.Run("status code table", func(t *testing.T) {
		for _, code := range status.KnownCodes {
			resp := Respond().Code(code).Empty()
			require.Equal(t, code, resp.Code())
			require.Equal(t, status.Text(code), resp.Status())
		}
	})

	t.Run("concurrent builders are independent", func(t *testing.T) {
		const workers = 16
		responses := make([]Response, workers)

		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				code := status.Code(200 + i)
				responses[i] = Respond().
					Code(code).
					Header("Worker", strings.Repeat("w", i)).
					String(strings.Repeat("x", i))
			}()
		}
		wg.Wait()

		for i, resp := range responses {
			require.Equal(t, status.Code(200+i), resp.Code())
			require.Equal(t, []string{strings.Repeat("w", i)}, resp.Values("Worker"))
			require.Equal(t, i, resp.ContentLength())
		}
	})
}

func BenchmarkResponse_Error(b *testing.B) {
	knownErr := status.ErrBadRequest
	unknownErr := errors.New("some crap happened, unable to recover")

	b.Run("KnownError", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			Respond().Error(knownErr)
		}
	})

	b.Run("UnknownError", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			Respond().Error(unknownErr)
		}
	})
}
