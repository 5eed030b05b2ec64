package cli

import (
	"fmt"

	"listen-room/internal/chat"
	"listen-room/internal/models"
)

func formatEntry(e chat.Entry) string {
	stamp := e.SentAt.Local().Format("15:04")
	if e.System {
		return fmt.Sprintf("[%s] -- %s", stamp, e.Text)
	}
	suffix := ""
	switch {
	case e.Failed:
		suffix = " (not delivered)"
	case e.Provisional():
		suffix = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", stamp, e.Username, e.Text, suffix)
}

func trackLabel(item models.QueueItem) string {
	if item.Music == nil {
		return fmt.Sprintf("track %d", item.MusicID)
	}
	if item.Music.Artist == "" {
		return item.Music.Title
	}
	return item.Music.Artist + " - " + item.Music.Title
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "server"
	}
	return id
}
