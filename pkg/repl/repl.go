// Package repl implements the interactive command loop: it tokenizes
// operator input and drives the session registry, which resolves the path
// arguments to absolute form. Diagnostics go to stderr through plog; informational command
// output goes to the writer it is given (stdout in production).
package repl

import (
	"bufio"
	"fmt"
	"io"

	"pixelgardenlabs.io/pgl-mirror/pkg/mirror"
	"pixelgardenlabs.io/pgl-mirror/pkg/plog"
	"pixelgardenlabs.io/pgl-mirror/pkg/util"
)

const usage = `Commands:
  add <source> <target>...     mirror source into each target, then follow changes
  end <source> <target>...     stop mirroring source into the named targets
  restore <source> <target>    stop the session and make source identical to target
  list                         show active sessions
  help                         show this help
  exit                         stop all sessions and quit`

// Run reads commands from r until EOF or "exit". It always stops every
// session before returning.
func Run(r io.Reader, out io.Writer, reg *mirror.Registry) error {
	defer reg.StopAll()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		tokens, err := Tokenize(scanner.Text())
		if err != nil {
			plog.Error("Bad command line", "error", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}

		cmd, args := tokens[0], tokens[1:]
		switch cmd {
		case "add":
			if len(args) < 2 {
				plog.Error("Usage: add <source> <target>...")
				continue
			}
			if err := reg.Add(args[0], args[1:]); err != nil {
				plog.Error("add failed", "error", err)
			}
		case "end":
			if len(args) < 2 {
				plog.Error("Usage: end <source> <target>...")
				continue
			}
			if err := reg.End(args[0], args[1:]); err != nil {
				plog.Error("end failed", "error", err)
			}
		case "restore":
			if len(args) != 2 {
				plog.Error("Usage: restore <source> <target>")
				continue
			}
			if err := reg.Restore(args[0], args[1]); err != nil {
				plog.Error("restore failed", "error", err)
			}
		case "list":
			printSessions(out, reg.List())
		case "help":
			fmt.Fprintln(out, usage)
		case "exit":
			return nil
		default:
			plog.Error("Unknown command", "command", cmd)
		}
	}
	return scanner.Err()
}

func printSessions(out io.Writer, sessions []mirror.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no active sessions")
		return
	}
	for _, s := range sessions {
		state := "scanning"
		if s.Watched {
			state = "watching"
		}
		fmt.Fprintf(out, "%s (%s)\n", s.Source, state)
		for _, t := range s.Targets {
			c := t.Counts
			fmt.Fprintf(out, "  -> %s  copied=%d deleted=%d dirs=%d symlinks=%d written=%s\n",
				t.Path, c.FilesCopied, c.FilesDeleted+c.DirsDeleted, c.DirsCreated,
				c.SymlinksCreated, util.ByteCountIEC(c.BytesWritten))
		}
	}
}
