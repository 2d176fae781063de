package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	colorBlack = iota + 30
	colorRed
	colorGreen
	colorYellow
	colorBlue
	colorMagenta
	colorCyan
	colorWhite

	colorBold     = 1
	colorDarkGray = 90
)

func colorize(s interface{}, c int) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

// New creates a logger for the given environment name and level.
// An empty, "dev" or "development" env gets the console logger.
func New(env, level string) zerolog.Logger {
	var l zerolog.Logger
	switch env {
	case "development", "dev", "":
		l = NewDevelopment(os.Stderr)
	default:
		l = NewProduction(os.Stderr)
	}
	return l.Level(ParseLevel(level))
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewDevelopment creates a development logger with console output and colors
func NewDevelopment(out io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:         out,
		TimeFormat:  "2006-01-02 15:04:05",
		FormatLevel: formatLevel,
		FormatFieldName: func(i interface{}) string {
			return colorize(fmt.Sprintf("%s=", i), colorDarkGray)
		},
	}
	return zerolog.New(output).With().Timestamp().Logger()
}

func formatLevel(i interface{}) string {
	var l string
	if ll, ok := i.(string); ok {
		switch ll {
		case "trace":
			l = colorize("TRC", colorMagenta)
		case "debug":
			l = colorize("DBG", colorYellow)
		case "info":
			l = colorize("INF", colorGreen)
		case "warn":
			l = colorize("WRN", colorRed)
		case "error":
			l = colorize("ERR", colorRed)
		case "fatal":
			l = colorize("FTL", colorRed)
		case "panic":
			l = colorize("PNC", colorRed)
		default:
			l = strings.ToUpper(ll)
			if len(l) > 3 {
				l = l[0:3]
			}
			l = colorize(l, colorBold)
		}
	} else {
		l = strings.ToUpper(fmt.Sprintf("%s", i))
		if len(l) > 3 {
			l = l[0:3]
		}
	}
	return l
}

// NewProduction creates a production logger with JSON output and UNIX timestamps
func NewProduction(out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(out).With().Timestamp().Logger()
}

// Redact shortens a secret for log output, keeping only its edges.
func Redact(secret string) string {
	if len(secret) <= 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}
