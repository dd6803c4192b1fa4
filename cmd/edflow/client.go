package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/edflow/internal/clinicalapi"
	"github.com/ehr/edflow/internal/config"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/workflow"
)

// clientEnv is what every operator command needs: an API client acting as
// one staff member and a bus on which the client reports session expiry.
type clientEnv struct {
	cfg     *config.ClientConfig
	api     *clinicalapi.Client
	actor   auth.Actor
	bus     *events.Bus
	logger  zerolog.Logger
	session <-chan events.Event
	unsub   func()
}

func addActorFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("staff-id", "", "Staff id to act as")
	cmd.PersistentFlags().String("role", "", "Role to act as (ADMIN, DOCTOR, NURSE)")
	cmd.PersistentFlags().String("token", "", "Bearer token (default API_TOKEN)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Log API calls")
}

func newClientEnv(cmd *cobra.Command) (*clientEnv, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	actor, err := actorFromFlags(cmd)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(4)
	session, unsub := bus.Subscribe(events.TopicSession)

	opts := []clinicalapi.Option{
		clinicalapi.WithTimeout(cfg.ClientTimeout),
		clinicalapi.WithPublisher(bus),
		clinicalapi.WithLogger(logger),
	}
	authOpts, err := authOptions(cmd, cfg, actor)
	if err != nil {
		unsub()
		return nil, err
	}
	opts = append(opts, authOpts...)

	return &clientEnv{
		cfg:     cfg,
		api:     clinicalapi.New(cfg.ClinicalAPIURL, opts...),
		actor:   actor,
		bus:     bus,
		logger:  logger,
		session: session,
		unsub:   unsub,
	}, nil
}

// close reports a session expiry seen during the command.
func (e *clientEnv) close(w io.Writer) {
	select {
	case ev, ok := <-e.session:
		if ok && ev.Type == events.SessionExpired {
			fmt.Fprintln(w, "session expired: obtain a new token and retry")
		}
	default:
	}
	e.unsub()
}

func actorFromFlags(cmd *cobra.Command) (auth.Actor, error) {
	rawID, _ := cmd.Flags().GetString("staff-id")
	rawRole, _ := cmd.Flags().GetString("role")
	if rawID == "" && rawRole == "" {
		return auth.Actor{}, nil
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return auth.Actor{}, fmt.Errorf("invalid --staff-id: %w", err)
	}
	role, err := auth.ParseRole(strings.ToUpper(rawRole))
	if err != nil {
		return auth.Actor{}, err
	}
	return auth.Actor{StaffID: id, Role: role}, nil
}

func requireActor(env *clientEnv) error {
	if env.actor.IsZero() {
		return errors.New("--staff-id and --role are required")
	}
	return nil
}

// authOptions picks how requests are authenticated: an explicit token, a
// token minted with the shared signing key, or development headers.
func authOptions(cmd *cobra.Command, cfg *config.ClientConfig, actor auth.Actor) ([]clinicalapi.Option, error) {
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.APIToken
	}
	switch {
	case token != "":
		return []clinicalapi.Option{clinicalapi.WithToken(token)}, nil
	case actor.IsZero():
		return nil, nil
	case cfg.AuthSigningKey != "":
		tok, err := auth.IssueToken(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}, actor, 15*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		return []clinicalapi.Option{clinicalapi.WithToken(tok)}, nil
	default:
		return []clinicalapi.Option{
			clinicalapi.WithHeader(auth.HeaderDevStaffID, actor.StaffID.String()),
			clinicalapi.WithHeader(auth.HeaderDevRole, string(actor.Role)),
		}, nil
	}
}

func parseID(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printError renders err the way an operator needs to act on it. Field
// errors are listed one per line; denials are reported apart from
// validation failures.
func printError(w io.Writer, err error) {
	var ve *workflow.ValidationError
	var de *workflow.DenialError
	var re *workflow.RemoteError
	switch {
	case errors.As(err, &ve):
		fmt.Fprintln(w, "validation failed:")
		printFields(w, ve.Fields)
	case errors.As(err, &de):
		fmt.Fprintf(w, "denied: %s\n", de.Reason)
	case errors.Is(err, workflow.ErrSessionExpired):
		fmt.Fprintln(w, "session expired: obtain a new token and retry")
	case errors.As(err, &re) && re.Status == 400:
		fmt.Fprintf(w, "rejected by server: %s\n", re.Message)
		printFields(w, re.Fields)
	case errors.As(err, &re) && re.Status == 403:
		fmt.Fprintf(w, "denied by server: %s\n", re.Message)
	default:
		fmt.Fprintf(w, "error: %v\n", err)
	}
}

func printFields(w io.Writer, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %s\n", k, fields[k])
	}
}
