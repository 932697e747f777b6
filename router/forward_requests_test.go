package router_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-transmitter/adapters/inmemory"
	terr "github.com/next-trace/scg-transmitter/contract/errors"
	"github.com/next-trace/scg-transmitter/contract/fabric"
	"github.com/next-trace/scg-transmitter/router"
)

type call struct {
	subject string
	data    any
}

// fakeBot answers every request on the listed subjects with answer.
type fakeBot struct {
	mu     sync.Mutex
	calls  []call
	answer func(data any) (any, error)
}

func newFakeBot(t *testing.T, f *fixture, answer func(any) (any, error), subjects ...string) *fakeBot {
	t.Helper()

	fb := &fakeBot{answer: answer}
	for _, subject := range subjects {
		subject := subject
		_, err := f.bot.AddRequestHandler(subject, func(_ context.Context, data any) (any, error) {
			fb.mu.Lock()
			fb.calls = append(fb.calls, call{subject: subject, data: data})
			fb.mu.Unlock()

			return fb.answer(data)
		})
		require.NoError(t, err)
	}

	return fb
}

func (fb *fakeBot) all() []call {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	return append([]call(nil), fb.calls...)
}

func boom(any) (any, error) { return map[string]any{"response": "boom"}, nil }

func TestForwardRequests_PassThrough(t *testing.T) {
	f := newFixture(t)
	bot := newFakeBot(t, f, boom, "test-request")

	_, err := f.r.ForwardRequests([]string{"test-request"}, []string{"page"}, fabric.Bot, nil)
	require.NoError(t, err)

	res, err := f.page.SendRequest(testContext(t), "main", "test-request", map[string]any{"number": 40})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"response": "boom"}, res)
	assert.Equal(t, []call{{subject: "test-request", data: map[string]any{"number": 40}}}, bot.all())
}

func TestForwardRequests_TransformRequest(t *testing.T) {
	tests := []struct {
		name  string
		rules router.Rules
		want  int
	}{
		{"subject rule", router.Rules{"test-request": {TransformRequest: addNumber(2)}}, 42},
		{"default rule", router.Rules{router.DefaultRule: {TransformRequest: addNumber(2)}}, 42},
		{"default has lower priority", router.Rules{
			"test-request":     {TransformRequest: addNumber(-2)},
			router.DefaultRule: {TransformRequest: addNumber(2)},
		}, 38},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			bot := newFakeBot(t, f, boom, "test-request")

			_, err := f.r.ForwardRequests([]string{"test-request"}, []string{"page"}, fabric.Bot, tc.rules)
			require.NoError(t, err)

			res, err := f.page.SendRequest(testContext(t), "main", "test-request", map[string]any{"number": 40})
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"response": "boom"}, res)

			calls := bot.all()
			require.Len(t, calls, 1)
			assert.Equal(t, tc.want, number(calls[0].data))
		})
	}
}

func upperResponse(res any, err error) (any, error) {
	if f, ok := fabric.AsFailure(err); ok {
		reason := f.Data.(map[string]any)["reason"].(string)
		return nil, fabric.NewFailure(map[string]any{"reason": strings.ToUpper(reason)})
	}

	if err != nil {
		return nil, err
	}

	return map[string]any{"response": strings.ToUpper(res.(map[string]any)["response"].(string))}, nil
}

func TestForwardRequests_TransformResponseSuccess(t *testing.T) {
	f := newFixture(t)
	bot := newFakeBot(t, f, boom, "test-request")

	_, err := f.r.ForwardRequests([]string{"test-request"}, []string{"page"}, fabric.Bot,
		router.Rules{"test-request": {TransformResponse: upperResponse}})
	require.NoError(t, err)

	res, err := f.page.SendRequest(testContext(t), "main", "test-request", map[string]any{"number": 40})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"response": "BOOM"}, res)
	assert.Equal(t, 40, number(bot.all()[0].data))
}

func TestForwardRequests_TransformResponseFailure(t *testing.T) {
	f := newFixture(t)
	bot := newFakeBot(t, f, func(any) (any, error) {
		return nil, fabric.NewFailure(map[string]any{"reason": "boom"})
	}, "test-request")

	_, err := f.r.ForwardRequests([]string{"test-request"}, []string{"page"}, fabric.Bot,
		router.Rules{"test-request": {TransformResponse: upperResponse}})
	require.NoError(t, err)

	_, err = f.page.SendRequest(testContext(t), "main", "test-request", map[string]any{"number": 40})

	failure, ok := fabric.AsFailure(err)
	require.True(t, ok, "want a failure, got %v", err)
	assert.Equal(t, map[string]any{"reason": "BOOM"}, failure.Data)
	assert.Len(t, bot.all(), 1)
}

func TestForwardRequests_FailurePropagatesUnchanged(t *testing.T) {
	m := newRecordingMetrics()
	f := newFixture(t, router.WithMetrics(m))

	original := fabric.NewFailure(map[string]any{"reason": "boom"})
	newFakeBot(t, f, func(any) (any, error) { return nil, original }, "test-request")

	_, err := f.r.ForwardRequests([]string{"test-request"}, []string{"page"}, fabric.Bot, nil)
	require.NoError(t, err)

	_, err = f.page.SendRequest(testContext(t), "main", "test-request", nil)

	got, ok := fabric.AsFailure(err)
	require.True(t, ok)
	assert.Same(t, original, got)
	assert.Equal(t, 1, m.get("failed:"+router.KindRequest))
}

func TestForwardRequests_TransformResponseCuresFailure(t *testing.T) {
	f := newFixture(t)
	newFakeBot(t, f, func(any) (any, error) { return nil, fabric.NewFailure("boom") }, "test-request")

	_, err := f.r.ForwardRequests([]string{"test-request"}, []string{"page"}, fabric.Bot,
		router.Rules{router.DefaultRule: {TransformResponse: func(res any, err error) (any, error) {
			if err != nil {
				return "fallback", nil
			}
			return res, nil
		}}})
	require.NoError(t, err)

	res, err := f.page.SendRequest(testContext(t), "main", "test-request", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", res)
}

func TestForwardRequests_Redirect(t *testing.T) {
	redirects := map[string]router.Redirect{
		"string":   router.RedirectTo("new-test-request"),
		"function": func(s string) string { return "new-" + s },
	}

	for name, redirect := range redirects {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			bot := newFakeBot(t, f, boom, "test-request", "new-test-request")

			_, err := f.r.ForwardRequests([]string{"test-request"}, []string{"page"}, fabric.Bot,
				router.Rules{"test-request": {Redirect: redirect}})
			require.NoError(t, err)

			res, err := f.page.SendRequest(testContext(t), "main", "test-request", map[string]any{"number": 40})
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"response": "boom"}, res)
			assert.Equal(t, []call{{subject: "new-test-request", data: map[string]any{"number": 40}}}, bot.all())
		})
	}
}

func TestForwardRequests_IgnoresOtherSenders(t *testing.T) {
	f := newFixture(t)
	bot := newFakeBot(t, f, boom, "test-request")

	_, err := f.r.ForwardRequests([]string{"test-request"}, []string{"someone-else"}, fabric.Bot, nil)
	require.NoError(t, err)

	res, err := f.page.SendRequest(testContext(t), "main", "test-request", nil)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, bot.all())
}

func TestForwardRequests_Unforward(t *testing.T) {
	f := newFixture(t)
	bot := newFakeBot(t, f, boom, "test-request", "new-test-request")

	unforward, err := f.r.ForwardRequests([]string{"test-request"}, []string{"page"}, fabric.Bot,
		router.Rules{"test-request": {Redirect: func(s string) string { return "new-" + s }}})
	require.NoError(t, err)
	require.NoError(t, unforward())

	_, err = f.page.SendRequest(testContext(t), "main", "test-request", map[string]any{"number": 40})
	assert.ErrorIs(t, err, terr.ErrHandlerNotFound)
	assert.Empty(t, bot.all())
	assert.Equal(t, 0, f.main.HandlerCount("test-request"))
	assert.Equal(t, 0, f.ext.HandlerCount("test-request"))

	assert.NoError(t, unforward())
}

func TestForwardRequests_InvalidReceiver(t *testing.T) {
	f := newFixture(t)

	_, err := f.r.ForwardRequests([]string{"test-request"}, []string{"page"}, "other-page", nil)
	require.NoError(t, err)

	_, err = f.page.SendRequest(testContext(t), "main", "test-request", nil)
	assert.ErrorIs(t, err, terr.ErrInvalidReceiver)
}

func TestForwardRequests_Degenerate(t *testing.T) {
	f := newFixture(t)

	unforward, err := f.r.ForwardRequests(nil, []string{"page"}, fabric.Bot, nil)
	require.NoError(t, err)
	assert.NoError(t, unforward())

	unforward, err = f.r.ForwardRequests([]string{"q"}, nil, fabric.Bot, nil)
	require.NoError(t, err)
	assert.NoError(t, unforward())
	assert.Equal(t, 0, f.r.OnRequest.Count("q"))
}

func TestForwardRequest_SingleSubject(t *testing.T) {
	f := newFixture(t)
	bot := newFakeBot(t, f, boom, "test-request")

	unforward, err := f.r.ForwardRequest("test-request", []string{"page"}, fabric.Bot,
		&router.Rule{TransformRequest: addNumber(2)})
	require.NoError(t, err)
	defer unforward()

	_, err = f.page.SendRequest(testContext(t), "main", "test-request", map[string]any{"number": 40})
	require.NoError(t, err)
	assert.Equal(t, 42, number(bot.all()[0].data))
}

// flakyHost accepts the first ok event listeners and rejects the rest.
type flakyHost struct {
	*inmemory.Page
	ok  int
	err error
}

func (h *flakyHost) AddEventListener(subject string, fn fabric.Listener) (fabric.ID, error) {
	if h.ok == 0 {
		return 0, h.err
	}

	h.ok--

	return h.Page.AddEventListener(subject, fn)
}

func TestForward_RollbackOnInstallFailure(t *testing.T) {
	boom := errors.New("boom")
	page := inmemory.NewHub().Page("main")
	ext, _ := inmemory.NewChannelPair("test")

	r, err := router.New(&flakyHost{Page: page, ok: 1, err: boom}, router.WithChannel(ext))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ForwardEvents([]string{"a", "b"}, []string{"page"}, []string{fabric.Bot}, nil)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 0, r.OnEvent.Count("a"))
	assert.Equal(t, 0, page.ListenerCount("a"))
	assert.Equal(t, 0, ext.ListenerCount("a"))
	assert.Equal(t, 0, ext.ListenerCount("b"))
}

func TestForward_AfterClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.r.Close())

	_, err := f.r.ForwardEvents([]string{"a", "b"}, []string{"page"}, []string{fabric.Bot}, nil)
	assert.ErrorIs(t, err, terr.ErrClosed)

	_, err = f.r.ForwardRequests([]string{"a"}, []string{"page"}, fabric.Bot, nil)
	assert.ErrorIs(t, err, terr.ErrClosed)
}
