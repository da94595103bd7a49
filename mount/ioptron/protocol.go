package ioptron

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/w1xm/mount_interface/mount"
)

const (
	maxReplyLen = 1024

	// HAE69B takes up to 1.8 s to toggle special mode.
	modeSwitchTimeout = 5 * time.Second
	modeSwitchPoll    = 333 * time.Millisecond
)

type responseKind int

const (
	noResponse responseKind = iota
	endsWith
	numChars
	exactChars
)

// response describes how a reply is framed.
type response struct {
	kind  responseKind
	end   byte
	n     int
	chars string
}

func (r response) String() string {
	switch r.kind {
	case endsWith:
		return fmt.Sprintf("ends with %q", r.end)
	case numChars:
		return fmt.Sprintf("%d chars", r.n)
	case exactChars:
		return fmt.Sprintf("%q", r.chars)
	}
	return "none"
}

// invalidReply selects what happens when the expected reply does not
// arrive. Some mounts (HAE69B) often omit command confirmations.
type invalidReply int

const (
	fail invalidReply = iota
	ignore
	ignoreAndLog
)

// link is the serial line plus the clock used for the mode switch
// handshake.
type link struct {
	rw    io.ReadWriter
	now   func() time.Time
	sleep func(time.Duration)
}

// readByte returns false if nothing arrived before the port's read timeout.
func (l *link) readByte() (byte, bool) {
	var b [1]byte
	n, err := l.rw.Read(b[:])
	if n == 0 || err != nil {
		return 0, false
	}
	return b[0], true
}

// send writes cmd and reads the reply one byte at a time until the framing
// condition in resp is met.
func (l *link) send(cmd string, resp response, onInvalid invalidReply) ([]byte, error) {
	slog.Debug("ioptron command", "cmd", cmd)
	if _, err := io.WriteString(l.rw, cmd); err != nil {
		return nil, fmt.Errorf("writing %q: %w", cmd, err)
	}
	switch {
	case resp.kind == noResponse,
		resp.kind == numChars && resp.n == 0,
		resp.kind == exactChars && resp.chars == "":
		return nil, nil
	}

	var buf []byte
	replyErr := false
	for done := false; !done; {
		if len(buf) >= maxReplyLen {
			return nil, fmt.Errorf("%w: reply to %q has too many characters", mount.ErrProtocol, cmd)
		}
		c, ok := l.readByte()
		if !ok {
			replyErr = true
			break
		}
		buf = append(buf, c)
		switch resp.kind {
		case endsWith:
			done = c == resp.end
		case numChars:
			done = len(buf) == resp.n
		case exactChars:
			done = len(buf) == len(resp.chars)
		}
	}
	if resp.kind == exactChars && string(buf) != resp.chars {
		replyErr = true
	}

	if replyErr {
		err := fmt.Errorf("%w: cmd %q failed to get expected response: %v (got %q)", mount.ErrProtocol, cmd, resp, buf)
		switch onInvalid {
		case fail:
			return nil, err
		case ignoreAndLog:
			slog.Warn("ignoring invalid reply", "err", err)
		}
	}
	slog.Debug("ioptron reply", "cmd", cmd, "reply", string(buf))
	return buf, nil
}

func (l *link) mountInfo(onInvalid invalidReply) ([]byte, error) {
	return l.send(":MountInfo#", response{kind: numChars, n: 4}, onInvalid)
}

// toggleSpecialMode switches between the normal and special protocol
// modes. The first character of the mount id changes when the switch
// completes.
func (l *link) toggleSpecialMode() error {
	before, err := l.mountInfo(fail)
	if err != nil {
		return err
	}
	if _, err := l.send(":ZZZ#", response{kind: noResponse}, fail); err != nil {
		return err
	}
	start := l.now()
	for l.now().Sub(start) <= modeSwitchTimeout {
		after, err := l.mountInfo(ignore)
		if err == nil && len(after) == 4 && after[0] != before[0] {
			return nil
		}
		l.sleep(modeSwitchPoll)
	}
	return fmt.Errorf("%w: toggling special mode is taking too long", mount.ErrTimeout)
}

func inSpecialMode(id []byte) bool {
	return id[0] == '8' || id[0] == '9'
}

func modelFromID(id string) string {
	switch id {
	case "0026":
		return "CEM26"
	case "0027":
		return "CEM26-EC"
	case "0028":
		return "GEM28"
	case "0029":
		return "GEM28-EC"
	case "0033", "0034", "8033", "8034":
		return "HAE29"
	case "0035", "8035":
		return "HAZ31"
	case "0040":
		return "CEM40(G)"
	case "0041":
		return "CEM40(G)-EC"
	case "0043":
		return "GEM45(G)"
	case "0044":
		return "GEM45(G)-EC"
	case "0050", "0051", "8050", "8051":
		return "HAE43"
	case "0052", "8052":
		return "HAZ46"
	case "0066", "0068", "8064":
		return "HAE69B"
	case "0070":
		return "CEM70(G)"
	case "0071":
		return "CEM70(G)-EC"
	case "0120":
		return "CEM120"
	case "0121":
		return "CEM120-EC"
	case "0122":
		return "CEM120-EC2"
	}
	return fmt.Sprintf("(unknown - %s)", id)
}
