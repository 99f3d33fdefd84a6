package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bulksms/internal/control"
	"bulksms/internal/notify"
	"bulksms/internal/transport/telegram"
)

// parseBulkArgs splits "/bulk" payload: recipients on the first line
// (comma or whitespace separated), the message on the following lines.
func parseBulkArgs(args string) ([]string, string, error) {
	head, body, ok := strings.Cut(args, "\n")
	if !ok {
		return nil, "", errors.New("usage: /bulk <numbers>\\n<message>")
	}
	numbers := strings.FieldsFunc(head, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	return numbers, strings.TrimSpace(body), nil
}

func (a *App) registerCommands(ad *telegram.Adapter, ctl *control.Controller) {
	ad.Handle("status", "show campaign progress", func(ctx context.Context, _ telegram.Command) (string, error) {
		st, err := ctl.Status(ctx)
		if err != nil {
			return "", err
		}
		return notify.Summary(st), nil
	})

	ad.Handle("stop", "stop the running campaign", func(ctx context.Context, _ telegram.Command) (string, error) {
		if err := ctl.Stop(ctx); err != nil {
			return "", err
		}
		return "stop requested", nil
	})

	ad.Handle("resume", "resume an unfinished campaign", func(ctx context.Context, _ telegram.Command) (string, error) {
		running, err := ctl.Resume(ctx)
		if err != nil {
			return "", err
		}
		if !running {
			return "nothing to resume", nil
		}
		return "resumed", nil
	})

	ad.Handle("bulk", "start a campaign: numbers on line 1, message below", func(ctx context.Context, cmd telegram.Command) (string, error) {
		numbers, message, err := parseBulkArgs(cmd.Args)
		if err != nil {
			return err.Error(), nil
		}
		if err := ctl.Start(ctx, numbers, message); err != nil {
			if errors.Is(err, control.ErrInvalidArgs) {
				return err.Error(), nil
			}
			return "", err
		}
		return fmt.Sprintf("campaign started: %d recipients", len(numbers)), nil
	})
}
