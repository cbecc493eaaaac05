package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-sound/internal/bus"
	"github.com/loqalabs/loqa-sound/internal/protocol"
)

var (
	ctlTimeout time.Duration
	ctlServer  string
	ctlJSON    bool

	ctlThreshold float64
	ctlOverlap   float64
	ctlTopK      int
	ctlCount     int
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Drive a running soundclassd over the bus",
	Long: `ctl sends control requests to a soundclassd node and prints its reply.

The bus servers and subject prefix come from the configuration file.

Examples:
  soundclass ctl classification
  soundclass ctl example dog
  soundclass ctl train
  soundclass ctl classify --top-k 2 --count 10
  soundclass ctl save pets`,
}

func init() {
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 2*time.Minute, "how long to wait for a reply")
	ctlCmd.PersistentFlags().StringVar(&ctlServer, "server", "", "NATS server URL (overrides bus.servers)")
	ctlCmd.PersistentFlags().BoolVar(&ctlJSON, "json", false, "print replies as JSON")

	classification := &cobra.Command{
		Use:   "classification",
		Short: "Switch the node to classifier mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req protocol.ControlRequest
			params := &protocol.ListenerParams{}
			if cmd.Flags().Changed("threshold") {
				params.ProbabilityThreshold = &ctlThreshold
			}
			if cmd.Flags().Changed("overlap") {
				params.OverlapFactor = &ctlOverlap
			}
			if params.ProbabilityThreshold != nil || params.OverlapFactor != nil {
				req.Options = params
			}
			return ctlOnce(cmd, protocol.SubjectClassification, req)
		},
	}
	classification.Flags().Float64Var(&ctlThreshold, "threshold", 0, "probability threshold")
	classification.Flags().Float64Var(&ctlOverlap, "overlap", 0, "window overlap factor")

	classify := &cobra.Command{
		Use:   "classify",
		Short: "Start classifying and print results as they arrive",
		Args:  cobra.NoArgs,
		RunE:  runCtlClassify,
	}
	classify.Flags().IntVarP(&ctlTopK, "top-k", "k", 3, "predictions per result")
	classify.Flags().IntVar(&ctlCount, "count", 0, "stop after this many results (0 waits for interrupt)")

	ctlCmd.AddCommand(
		simpleCtl("status", "Print the node's lifecycle state", protocol.SubjectStatus),
		simpleCtl("stop", "Stop the running listening session or example collection", protocol.SubjectStop),
		classification,
		&cobra.Command{
			Use:   "example LABEL",
			Short: "Collect one example for LABEL",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return ctlOnce(cmd, protocol.SubjectExample, protocol.ControlRequest{Label: args[0]})
			},
		},
		&cobra.Command{
			Use:   "train",
			Short: "Train on the collected examples and follow progress",
			Args:  cobra.NoArgs,
			RunE:  runCtlTrain,
		},
		classify,
		pathCtl("save", "Persist the trained model", protocol.SubjectSave),
		pathCtl("load", "Load a persisted model", protocol.SubjectLoad),
	)
	rootCmd.AddCommand(ctlCmd)
}

func simpleCtl(use, short, subject string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctlOnce(cmd, subject, protocol.ControlRequest{})
		},
	}
}

func pathCtl(use, short, subject string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [PATH]",
		Short: short + " (defaults to control.model_path)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req protocol.ControlRequest
			if len(args) == 1 {
				req.Path = args[0]
			}
			return ctlOnce(cmd, subject, req)
		},
	}
}

// ctlConn is a bus connection plus the subject prefix of the target node.
type ctlConn struct {
	client *bus.Client
	prefix string
}

func dialCtl(cmd *cobra.Command) (*ctlConn, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	busCfg := cfg.Bus
	if ctlServer != "" {
		busCfg.Servers = []string{ctlServer}
	}
	client, err := bus.Connect(cmd.Context(), "soundclass-ctl", busCfg, newLogger())
	if err != nil {
		return nil, err
	}
	return &ctlConn{client: client, prefix: cfg.Control.SubjectPrefix}, nil
}

func (c *ctlConn) subject(rel string) string {
	return protocol.Subject(c.prefix, rel)
}

func (c *ctlConn) request(cmd *cobra.Command, rel string, req protocol.ControlRequest) (protocol.ControlReply, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
	defer cancel()
	var reply protocol.ControlReply
	err := c.client.RequestJSON(ctx, c.subject(rel), req, &reply)
	return reply, err
}

// watch subscribes rel into a buffered channel. Messages published before
// a reply on the same connection are already queued when the reply arrives.
func (c *ctlConn) watch(rel string, ch chan *nats.Msg) (func(), error) {
	sub, err := c.client.Conn().ChanSubscribe(c.subject(rel), ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", rel, err)
	}
	if err := c.client.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func finish(cmd *cobra.Command, reply protocol.ControlReply) error {
	if err := printReply(cmd, reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s: %s", reply.Code, reply.Error)
	}
	return nil
}

func ctlOnce(cmd *cobra.Command, rel string, req protocol.ControlRequest) error {
	conn, err := dialCtl(cmd)
	if err != nil {
		return err
	}
	defer conn.client.Close()
	reply, err := conn.request(cmd, rel, req)
	if err != nil {
		return err
	}
	return finish(cmd, reply)
}

func runCtlTrain(cmd *cobra.Command, _ []string) error {
	conn, err := dialCtl(cmd)
	if err != nil {
		return err
	}
	defer conn.client.Close()

	progress := make(chan *nats.Msg, 4096)
	stop, err := conn.watch(protocol.SubjectTrainProgress, progress)
	if err != nil {
		return err
	}
	defer stop()
	reply, err := conn.request(cmd, protocol.SubjectTrain, protocol.ControlRequest{})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for drained := false; !drained; {
		select {
		case m := <-progress:
			var p protocol.TrainingProgress
			if err := json.Unmarshal(m.Data, &p); err != nil {
				continue
			}
			if p.Done {
				fmt.Fprintln(out, "training done")
				continue
			}
			fmt.Fprintf(out, "epoch %d loss %s\n", p.Epoch+1, p.Loss)
		default:
			drained = true
		}
	}
	return finish(cmd, reply)
}

func runCtlClassify(cmd *cobra.Command, _ []string) error {
	conn, err := dialCtl(cmd)
	if err != nil {
		return err
	}
	defer conn.client.Close()

	results := make(chan *nats.Msg, 256)
	for _, rel := range []string{protocol.SubjectClassifyResult, protocol.SubjectClassifyError} {
		stop, err := conn.watch(rel, results)
		if err != nil {
			return err
		}
		defer stop()
	}
	reply, err := conn.request(cmd, protocol.SubjectClassify, protocol.ControlRequest{TopK: ctlTopK})
	if err != nil {
		return err
	}
	if err := finish(cmd, reply); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for seen := 0; ctlCount <= 0 || seen < ctlCount; {
		var m *nats.Msg
		select {
		case <-cmd.Context().Done():
			return nil
		case m = <-results:
		}
		var r protocol.ClassificationResult
		if err := json.Unmarshal(m.Data, &r); err != nil {
			continue
		}
		seen++
		if ctlJSON {
			line, err := json.Marshal(r)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(line))
			continue
		}
		if r.Error != "" {
			fmt.Fprintf(out, "%s error: %s\n", r.NodeID, r.Error)
			continue
		}
		preds := make([]string, 0, len(r.Predictions))
		for _, p := range r.Predictions {
			preds = append(preds, fmt.Sprintf("%s=%.3f", p.Label, p.Confidence))
		}
		fmt.Fprintf(out, "%s %s\n", r.NodeID, strings.Join(preds, " "))
	}
	return nil
}

func printReply(cmd *cobra.Command, r protocol.ControlReply) error {
	out := cmd.OutOrStdout()
	if ctlJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, err := fmt.Fprintln(out, formatReply(r))
	return err
}

func formatReply(r protocol.ControlReply) string {
	parts := []string{"state=" + r.State, "mode=" + r.Mode}
	if len(r.WordLabels) > 0 {
		parts = append(parts, "labels="+strings.Join(r.WordLabels, ","))
	}
	if len(r.Examples) > 0 {
		counts := make([]string, 0, len(r.Examples))
		for _, label := range slices.Sorted(maps.Keys(r.Examples)) {
			counts = append(counts, fmt.Sprintf("%s:%d", label, r.Examples[label]))
		}
		parts = append(parts, "examples="+strings.Join(counts, ","))
	}
	if r.Code != "" {
		parts = append(parts, "code="+r.Code)
	}
	return strings.Join(parts, " ")
}
