// Package cloudwatch reads recent log lines from CloudWatch Logs.
package cloudwatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

const (
	defaultLookback = time.Hour
	maxFilterPages  = 5
)

// API is the subset of the CloudWatch Logs client the source uses.
type API interface {
	GetLogEvents(ctx context.Context, in *cloudwatchlogs.GetLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error)
	FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// Source fetches the newest events of a log group or stream.
type Source struct {
	api      API
	lookback time.Duration
	now      func() time.Time
}

// New creates a source over an AWS config.
func New(cfg aws.Config) *Source {
	return NewWithAPI(cloudwatchlogs.NewFromConfig(cfg))
}

// NewWithAPI creates a source over an existing client.
func NewWithAPI(api API) *Source {
	return &Source{api: api, lookback: defaultLookback, now: time.Now}
}

// RecentLines returns up to limit of the newest messages, oldest first. With
// a stream the stream tail is read directly; without one the group is
// filtered over the lookback window.
func (s *Source) RecentLines(ctx context.Context, group, stream string, limit int) ([]string, error) {
	if stream != "" {
		return s.streamTail(ctx, group, stream, limit)
	}
	return s.groupTail(ctx, group, limit)
}

func (s *Source) streamTail(ctx context.Context, group, stream string, limit int) ([]string, error) {
	out, err := s.api.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
		Limit:         aws.Int32(int32(limit)), //nolint:gosec // limit is a small constant
		StartFromHead: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("get log events %s/%s: %w", group, stream, err)
	}

	lines := make([]string, 0, len(out.Events))
	for _, e := range out.Events {
		if e.Message != nil {
			lines = append(lines, *e.Message)
		}
	}
	return lines, nil
}

func (s *Source) groupTail(ctx context.Context, group string, limit int) ([]string, error) {
	end := s.now()
	in := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(group),
		StartTime:    aws.Int64(end.Add(-s.lookback).UnixMilli()),
		EndTime:      aws.Int64(end.UnixMilli()),
	}

	var events []types.FilteredLogEvent
	for range maxFilterPages {
		out, err := s.api.FilterLogEvents(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("filter log events %s: %w", group, err)
		}
		events = append(events, out.Events...)
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		in.NextToken = out.NextToken
	}

	sort.SliceStable(events, func(i, j int) bool {
		return aws.ToInt64(events[i].Timestamp) < aws.ToInt64(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	lines := make([]string, 0, len(events))
	for _, e := range events {
		if e.Message != nil {
			lines = append(lines, *e.Message)
		}
	}
	return lines, nil
}
