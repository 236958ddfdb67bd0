package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/geotracker-go/feed"
	"github.com/ggoodman/geotracker-go/prefs"
	"github.com/ggoodman/geotracker-go/tracker"
)

var errQuit = errors.New("quit")

const help = `Commands:
    start <title>        start a new session as its owner
    join <title>         join an active session
    view <title>         replay an ended session
    leave                leave the current session
    end                  end the session you own
    fix <lat> <lon> [<altitude>]
                         publish a location fix
    markers              list the participants' markers
    sessions             list active and ended sessions
    name <display name>  change your display name
    status               show the current role and session
    quit                 exit`

type app struct {
	tr        *tracker.Tracker
	out       io.Writer
	prefsPath string
	log       *slog.Logger
}

// readCommands executes one command per line until the input ends, ctx is
// done or the user quits.
func (a *app) readCommands(ctx context.Context, sc *bufio.Scanner) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(a.out, `Type "help" for commands.`)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := a.execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				a.report(err)
			}
		}
	}
}

// report prints errors the tracker has not already surfaced as a
// UserMessage.
func (a *app) report(err error) {
	var te *tracker.Error
	if errors.As(err, &te) {
		a.log.Debug("geotracker: command failed", slog.String("err", err.Error()))
		return
	}
	fmt.Fprintln(a.out, "error:", err)
}

func (a *app) execute(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "":
		return nil
	case "help", "?":
		fmt.Fprintln(a.out, help)
	case "quit", "exit":
		return errQuit
	case "start":
		return a.tr.StartSession(ctx, arg)
	case "join":
		return a.tr.JoinSession(ctx, arg)
	case "view":
		return a.tr.ViewSession(ctx, arg)
	case "leave":
		return a.tr.LeaveSession(ctx)
	case "end":
		return a.tr.EndSession(ctx)
	case "fix":
		fix, err := parseFix(arg)
		if err != nil {
			return err
		}
		return a.tr.OnLocationFix(ctx, fix)
	case "markers":
		a.printMarkers()
	case "sessions":
		a.printSessions()
	case "name":
		return a.rename(ctx, arg)
	case "status":
		a.printStatus()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func parseFix(arg string) (tracker.Fix, error) {
	parts := strings.Fields(arg)
	if len(parts) < 2 || len(parts) > 3 {
		return tracker.Fix{}, errors.New("usage: fix <lat> <lon> [<altitude>]")
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return tracker.Fix{}, fmt.Errorf("fix: %q is not a number", p)
		}
		vals[i] = v
	}
	fix := tracker.Fix{Provider: "manual", Time: time.Now(), Lat: vals[0], Lon: vals[1]}
	if len(vals) == 3 {
		fix.Altitude = vals[2]
	}
	return fix, nil
}

func (a *app) rename(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("usage: name <display name>")
	}
	if err := a.tr.SetDisplayName(ctx, name); err != nil {
		return err
	}
	if a.prefsPath == "" {
		return nil
	}
	p, err := prefs.Load(a.prefsPath)
	if err != nil {
		return err
	}
	p.DisplayName = name
	return prefs.Save(a.prefsPath, p)
}

func (a *app) printStatus() {
	st := a.tr.State()
	if !st.InSession() {
		fmt.Fprintf(a.out, "%s (user %s)\n", st.Role, a.tr.UserID())
		return
	}
	fmt.Fprintf(a.out, "%s of %q (user %s)\n", st.Role, st.Title, a.tr.UserID())
}

func (a *app) printMarkers() {
	ms := a.tr.Markers()
	if len(ms) == 0 {
		fmt.Fprintln(a.out, "no markers")
		return
	}
	agg := a.tr.Aggregator()
	for _, m := range ms {
		fmt.Fprintf(a.out, "%-20s %10.5f %10.5f  %s  track %.0fm\n",
			m.DisplayName, m.Lat, m.Lon, m.Time.Format(time.Kitchen), agg.TrackLength(m.UserID))
	}
	if b := agg.Bounds(); !b.Empty() {
		c := b.Center()
		fmt.Fprintf(a.out, "history: %d points around %.5f, %.5f spanning %.0fm\n",
			len(agg.History()), c.Lat, c.Lon, b.Span())
	}
}

func (a *app) printSessions() {
	for _, group := range []struct {
		label  string
		active bool
	}{{"active", true}, {"ended", false}} {
		ss := a.tr.Sessions(group.active)
		titles := make([]string, 0, len(ss))
		for _, s := range ss {
			titles = append(titles, s.Title)
		}
		if len(titles) == 0 {
			titles = append(titles, "(none)")
		}
		fmt.Fprintf(a.out, "%s: %s\n", group.label, strings.Join(titles, ", "))
	}
}

// printEvents writes tracker events to the terminal and forwards them to
// the feed hub when one is configured.
func (a *app) printEvents(ctx context.Context, hub *feed.Hub) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.tr.Events():
			if !ok {
				return nil
			}
			if s := describe(ev); s != "" {
				fmt.Fprintln(a.out, s)
			}
			if hub != nil {
				hub.Publish(ev)
			}
		}
	}
}

func describe(ev tracker.Event) string {
	switch e := ev.(type) {
	case tracker.RoleChanged:
		if !e.State.InSession() {
			return "* left session"
		}
		return fmt.Sprintf("* %s of %q", e.State.Role, e.State.Title)
	case tracker.MarkerUpdated:
		return fmt.Sprintf("* %s at %.5f, %.5f", e.Marker.DisplayName, e.Marker.Lat, e.Marker.Lon)
	case tracker.MarkersCleared:
		return "* markers cleared"
	case tracker.SessionClosed:
		return fmt.Sprintf("* the owner ended %q; type \"leave\" to exit it", e.Title)
	case tracker.UserMessage:
		if e.Transient {
			return "~ " + e.Text
		}
		return "! " + e.Text
	default:
		return ""
	}
}
