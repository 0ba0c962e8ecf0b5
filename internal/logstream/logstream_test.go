package logstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/jonboulle/clockwork"

	xerrors "OpenAgent-Launchpad/internal/errors"
)

type fakeLogs struct {
	mu      sync.Mutex
	groups  []string
	batches [][]cwtypes.FilteredLogEvent
	starts  []int64
	calls   int
}

func (f *fakeLogs) DescribeLogGroups(_ context.Context, in *cloudwatchlogs.DescribeLogGroupsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error) {
	out := &cloudwatchlogs.DescribeLogGroupsOutput{}
	for _, name := range f.groups {
		out.LogGroups = append(out.LogGroups, cwtypes.LogGroup{LogGroupName: aws.String(name)})
	}
	return out, nil
}

func (f *fakeLogs) FilterLogEvents(_ context.Context, in *cloudwatchlogs.FilterLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, aws.ToInt64(in.StartTime))
	idx := f.calls
	f.calls++
	if idx >= len(f.batches) {
		return &cloudwatchlogs.FilterLogEventsOutput{}, nil
	}
	return &cloudwatchlogs.FilterLogEventsOutput{Events: f.batches[idx]}, nil
}

func event(id string, ts int64, msg string) cwtypes.FilteredLogEvent {
	return cwtypes.FilteredLogEvent{
		EventId:       aws.String(id),
		Timestamp:     aws.Int64(ts),
		Message:       aws.String(msg + "\n"),
		LogStreamName: aws.String("instance/1"),
	}
}

func TestFollowReplaysBacklogThenPolls(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	base := clock.Now().Add(-time.Minute).UnixMilli()
	backlogStart := clock.Now().Add(-defaultBacklog).UnixMilli()
	client := &fakeLogs{
		groups: []string{"/aws/apprunner/agent-a1/abc/service", "/aws/apprunner/agent-a1/abc/application"},
		batches: [][]cwtypes.FilteredLogEvent{
			{event("1", base, "first"), event("2", base+10, "second")},
			{event("2", base+10, "second"), event("3", base+20, "third")},
		},
	}
	cw := newCloudWatch(client, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan Event, 10)
	done := make(chan error, 1)
	go func() {
		done <- cw.Follow(ctx, "agent-a1", func(e Event) error {
			received <- e
			return nil
		})
	}()

	for _, want := range []string{"first", "second"} {
		select {
		case e := <-received:
			if e.Message != want {
				t.Fatalf("expected %s, got %s", want, e.Message)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("block: %v", err)
	}
	clock.Advance(defaultInterval)

	select {
	case e := <-received:
		if e.Message != "third" || e.ID != "3" {
			t.Fatalf("expected only the new event, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for incremental event")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow returned %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.starts[0] != backlogStart {
		t.Fatalf("backlog window not applied: %d", client.starts[0])
	}
	if client.starts[1] != base+10 {
		t.Fatalf("second poll should start at last timestamp, got %d", client.starts[1])
	}
}

func TestFollowMissingGroup(t *testing.T) {
	cw := newCloudWatch(&fakeLogs{}, WithClock(clockwork.NewFakeClock()))
	err := cw.Follow(context.Background(), "agent-none", func(Event) error { return nil })
	if !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFollowStopsOnHandlerError(t *testing.T) {
	client := &fakeLogs{
		groups:  []string{"/aws/apprunner/agent-a1/abc/application"},
		batches: [][]cwtypes.FilteredLogEvent{{event("1", time.Now().UnixMilli(), "x")}},
	}
	stop := errors.New("client gone")
	cw := newCloudWatch(client, WithClock(clockwork.NewFakeClock()))
	err := cw.Follow(context.Background(), "agent-a1", func(Event) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestCursorSkipsDuplicatesAcrossInterleavedStreams(t *testing.T) {
	cur := newCursor(time.UnixMilli(100))
	accepted := 0
	for _, raw := range []cwtypes.FilteredLogEvent{event("a", 110, "a"), event("b", 120, "b"), event("c", 105, "c")} {
		if _, ok := cur.accept(raw); ok {
			accepted++
		}
	}
	cur.commit()
	if accepted != 3 || cur.start() != 120 {
		t.Fatalf("unexpected cursor state accepted=%d start=%d", accepted, cur.start())
	}
	if _, ok := cur.accept(event("b", 120, "b")); ok {
		t.Fatalf("duplicate at cursor timestamp should be skipped")
	}
	if _, ok := cur.accept(event("d", 120, "d")); !ok {
		t.Fatalf("new event at cursor timestamp should be accepted")
	}
}
