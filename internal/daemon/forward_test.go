package daemon

import (
	"context"
	"errors"
	"testing"

	terr "github.com/next-trace/scg-transmitter/contract/errors"
	"github.com/next-trace/scg-transmitter/contract/fabric"
	"github.com/next-trace/scg-transmitter/internal/config"
	"github.com/next-trace/scg-transmitter/memory"
	"github.com/next-trace/scg-transmitter/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallForwardsConfiguredTraffic(t *testing.T) {
	f, cleanup, err := memory.New("main")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	fc := config.ForwardConfig{
		Events: []config.EventForward{{
			Subjects:  []string{"greet"},
			Senders:   []string{fabric.Bot},
			Receivers: []string{"page"},
			Redirect:  []config.Redirect{{From: "greet", To: "hello"}},
		}},
		Requests: []config.RequestForward{{
			Subjects: []string{"sum"},
			Senders:  []string{"page"},
			Receiver: fabric.Bot,
		}},
	}

	disposers, err := Install(f.Router, fc)
	require.NoError(t, err)
	require.Len(t, disposers, 2)

	page := f.Hub.Page("page")

	var got []string
	_, err = page.AddEventListener("hello", func(_ context.Context, sender string, data any) {
		got = append(got, sender+":"+data.(string))
	})
	require.NoError(t, err)

	_, err = f.Bot.AddRequestHandler("sum", func(context.Context, any) (any, error) { return 3, nil })
	require.NoError(t, err)

	require.NoError(t, f.Bot.Emit(testContext(t), "greet", "hi"))
	assert.Equal(t, []string{"main:hi"}, got)

	res, err := page.SendRequest(testContext(t), "main", "sum", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res)

	require.NoError(t, Dispose(disposers))
	assert.Zero(t, f.Router.OnEvent.Count("greet"))
	assert.Zero(t, f.Router.OnRequest.Count("sum"))
	require.NoError(t, Dispose(disposers), "disposing twice is harmless")
}

func TestInstallRollsBackOnFailure(t *testing.T) {
	f, cleanup, err := memory.New("main")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	fc := config.ForwardConfig{
		Events: []config.EventForward{{
			Subjects: []string{"a"}, Senders: []string{fabric.Bot}, Receivers: []string{"page"},
		}},
	}

	require.NoError(t, f.Router.Close())

	_, err = Install(f.Router, fc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, terr.ErrClosed))
}

func TestDisposeRunsInReverseOrder(t *testing.T) {
	var order []int
	mk := func(i int) router.Disposer {
		return func() error {
			order = append(order, i)
			return nil
		}
	}

	require.NoError(t, Dispose([]router.Disposer{mk(1), mk(2), mk(3)}))
	assert.Equal(t, []int{3, 2, 1}, order)
}
