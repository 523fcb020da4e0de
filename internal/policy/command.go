package policy

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"swiss-sandbox/internal/isolation"
)

// wrappers run the next word as a command.
var wrappers = map[string]bool{
	"time": true, "nohup": true, "nice": true, "command": true,
	"builtin": true, "exec": true, "stdbuf": true, "env": true, "timeout": true,
}

// safeDevices may appear as arguments even though /dev is blocked.
var safeDevices = map[string]bool{
	"/dev/null": true, "/dev/zero": true, "/dev/stdin": true,
	"/dev/stdout": true, "/dev/stderr": true, "/dev/urandom": true, "/dev/random": true,
}

// ValidateCommand reports whether a shell command string may run. Every
// segment between control operators is checked for a blocked leading
// command; path arguments (including ~ and $HOME forms, which name the
// workspace root) must stay inside ws when ws is non-nil; the raw string
// must not match any dangerous pattern. Arguments built at run time, such as
// other variables or globs, are not resolved.
func (e *Engine) ValidateCommand(cmd string, ws Workspace) bool {
	if strings.TrimSpace(cmd) == "" {
		return false
	}

	for _, re := range e.patterns {
		if re.MatchString(cmd) {
			log.Warn().Str("pattern", re.String()).Str("command", cmd).Msg("dangerous command pattern")
			return false
		}
	}

	for _, seg := range splitSegments(cmd) {
		words := splitWords(seg)
		head := leadingIndex(words)
		for i := head; i < len(words); i++ {
			name := baseCommand(words[i])
			if _, blocked := e.blockedCommands[name]; blocked {
				log.Warn().Str("command", name).Msg("blocked command")
				return false
			}
			if !wrappers[name] {
				head = i
				break
			}
			// skip wrapper operands such as "nice -n 10" or "env A=1"
			for i+1 < len(words) && isWrapperOperand(words[i+1]) {
				i++
			}
			head = len(words)
		}
		if ws == nil || head >= len(words) {
			continue
		}
		for _, arg := range words[head+1:] {
			if !e.validateArgument(arg, ws) {
				log.Warn().Str("argument", arg).Msg("path argument outside workspace")
				return false
			}
		}
	}
	return true
}

// homePrefixes expand to the workspace root, which is HOME for every
// execution.
var homePrefixes = []string{"${HOME}", "$HOME", "~"}

func (e *Engine) validateArgument(arg string, ws Workspace) bool {
	arg = strings.TrimLeft(arg, "0123456789")
	arg = strings.TrimLeft(arg, "<>&|")
	arg = expandHome(arg, ws.Root())
	if !(strings.HasPrefix(arg, "/") || arg == ".." || strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../")) {
		return true
	}
	if safeDevices[arg] {
		return true
	}
	if ws.Container() != nil && within(isolation.MountPath, arg) {
		rel := strings.TrimPrefix(arg, isolation.MountPath)
		arg = filepath.Join(ws.Root(), rel)
	}
	return e.ValidatePath(arg, ws)
}

func expandHome(arg, root string) string {
	for _, p := range homePrefixes {
		if arg == p || strings.HasPrefix(arg, p+"/") {
			return root + arg[len(p):]
		}
	}
	return arg
}

// leadingIndex skips VAR=value assignments and a leading "!".
func leadingIndex(words []string) int {
	i := 0
	for i < len(words) {
		w := words[i]
		if w == "!" || isAssignment(w) {
			i++
			continue
		}
		break
	}
	return i
}

func isWrapperOperand(w string) bool {
	if strings.HasPrefix(w, "-") || isAssignment(w) {
		return true
	}
	// durations and priorities: 10, 2.5, 30s
	return w != "" && w[0] >= '0' && w[0] <= '9' && strings.Trim(w, "0123456789.smhd") == ""
}

func isAssignment(w string) bool {
	eq := strings.IndexByte(w, '=')
	if eq <= 0 {
		return false
	}
	for i, r := range w[:eq] {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// baseCommand strips any directory from a possibly path-qualified command.
func baseCommand(cmd string) string {
	cmd = strings.TrimRight(cmd, "/")
	if idx := strings.LastIndex(cmd, "/"); idx >= 0 {
		return cmd[idx+1:]
	}
	return cmd
}

// splitSegments cuts a command line at ; && || | & newline ( ) ` and $(,
// ignoring operators inside quotes.
func splitSegments(cmd string) []string {
	var (
		segs    []string
		cur     strings.Builder
		single  bool
		double  bool
		escaped bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segs = append(segs, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case escaped:
			escaped = false
			cur.WriteByte(c)
			continue
		case c == '\\' && !single:
			escaped = true
			cur.WriteByte(c)
			continue
		case c == '\'' && !double:
			single = !single
			cur.WriteByte(c)
			continue
		case single:
			cur.WriteByte(c)
			continue
		case c == '"':
			double = !double
			cur.WriteByte(c)
			continue
		}

		// command substitution is a new command even inside double quotes
		if c == '`' || (c == '$' && i+1 < len(cmd) && cmd[i+1] == '(') {
			flush()
			if c == '$' {
				i++
			}
			continue
		}
		if double {
			cur.WriteByte(c)
			continue
		}
		switch c {
		case ';', '|', '&', '\n', '(', ')':
			// keep redirections like 2>&1 and >&2 intact
			if c == '&' && i > 0 && cmd[i-1] == '>' {
				cur.WriteByte(c)
				continue
			}
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segs
}

// splitWords breaks a segment into words, removing quotes.
func splitWords(seg string) []string {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		single  bool
		double  bool
		escaped bool
	)
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\' && !single:
			escaped = true
			inWord = true
		case c == '\'' && !double:
			single = !single
			inWord = true
		case c == '"' && !single:
			double = !double
			inWord = true
		case (c == ' ' || c == '\t') && !single && !double:
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}
