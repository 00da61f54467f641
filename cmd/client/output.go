package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/atinyakov/GophSession/internal/client/authstate"
	"github.com/atinyakov/GophSession/internal/models"
)

// snapshotView is the printable form of a snapshot.
type snapshotView struct {
	State     string                   `json:"state"`
	LoggedIn  bool                     `json:"logged_in"`
	Identity  *models.ResolvedIdentity `json:"identity,omitempty"`
	LastError string                   `json:"last_error,omitempty"`
}

func viewOf(s authstate.Snapshot) snapshotView {
	return snapshotView{
		State:     s.State.String(),
		LoggedIn:  s.Identity.LoggedIn(),
		Identity:  s.Identity,
		LastError: s.LastError,
	}
}

func printSnapshot(w io.Writer, format string, s authstate.Snapshot) error {
	v := viewOf(s)
	if format == "json" {
		return json.NewEncoder(w).Encode(v)
	}

	if _, err := fmt.Fprintf(w, "state: %s\n", v.State); err != nil {
		return err
	}
	switch id := v.Identity; {
	case id == nil:
		fmt.Fprintln(w, "identity: none")
	case id.Anonymous:
		fmt.Fprintf(w, "identity: %s (anonymous)\n", id.Key)
	default:
		fmt.Fprintf(w, "identity: %s (%s)\n", id.Key, id.Provider)
		if id.Name != "" {
			fmt.Fprintf(w, "name: %s\n", id.Name)
		}
		if id.Email != "" {
			fmt.Fprintf(w, "email: %s\n", id.Email)
		}
	}
	if v.LastError != "" {
		fmt.Fprintf(w, "error: %s\n", v.LastError)
	}
	return nil
}
