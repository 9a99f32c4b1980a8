package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var conf = viper.New()

func main() {
	root := &cobra.Command{
		Use:           "proctorctl",
		Short:         "Invigilator CLI for the exam proctoring service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().String("api-key", "", "API key (or PROCTOR_API_KEY)")
	root.PersistentFlags().String("api-key-header", "X-API-Key", "Header the API key is sent in")
	root.PersistentFlags().String("session-token", "", "Session access token returned by start (or PROCTOR_SESSION_TOKEN)")
	root.PersistentFlags().Duration("timeout", defaultTimeout, "Request timeout")
	_ = conf.BindPFlags(root.PersistentFlags())

	conf.SetEnvPrefix("PROCTOR")
	conf.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	conf.AutomaticEnv()

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newClient().printJSON(cmd.Context(), "GET", "/health", nil)
		},
	})

	startCmd := &cobra.Command{
		Use:   "start <student-id> <exam-id> <unit-id>",
		Short: "Start a session without capture media",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"studentId": args[0], "examId": args[1], "unitId": args[2]}
			return newClient().printJSON(cmd.Context(), "POST", "/v1/sessions", body)
		},
	}
	root.AddCommand(startCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().printJSON(cmd.Context(), "GET", "/v1/sessions/"+args[0], nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "end <session-id>",
		Short: "Submit a session normally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().printJSON(cmd.Context(), "POST", "/v1/sessions/"+args[0]+"/end", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:     "sessions <unit-id>",
		Aliases: []string{"ls"},
		Short:   "List active sessions in a unit",
		Args:    cobra.ExactArgs(1),
		RunE:    runSessions,
	})

	var student, status string
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history <unit-id>",
		Short: "List a unit's archived sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if student != "" {
				q.Set("student", student)
			}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/units/" + url.PathEscape(args[0]) + "/history"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return newClient().printJSON(cmd.Context(), "GET", path, nil)
		},
	}
	historyCmd.Flags().StringVar(&student, "student", "", "Only this student's sessions")
	historyCmd.Flags().StringVar(&status, "status", "", "completed or terminated")
	historyCmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows (server default 100)")
	root.AddCommand(historyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "violations <session-id>",
		Short: "List a session's violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().printJSON(cmd.Context(), "GET", "/v1/sessions/"+args[0]+"/violations", nil)
		},
	})

	var reason string
	terminateCmd := &cobra.Command{
		Use:   "terminate <session-id>",
		Short: "Force-terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": reason}
			return newClient().printJSON(cmd.Context(), "POST", "/v1/sessions/"+args[0]+"/terminate", body)
		},
	}
	terminateCmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason shown to the student and recorded as the violation")
	_ = terminateCmd.MarkFlagRequired("reason")
	root.AddCommand(terminateCmd)

	root.AddCommand(&cobra.Command{
		Use:   "events <session-id>",
		Short: "Show a session's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().printJSON(cmd.Context(), "GET", "/v1/sessions/"+args[0]+"/events", nil)
		},
	})

	var notes, severity string
	reviewCmd := &cobra.Command{
		Use:   "review <session-id> <violation-id>",
		Short: "Record a review of a violation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"notes": notes, "severity": severity}
			return newClient().printJSON(cmd.Context(), "POST", "/v1/sessions/"+args[0]+"/violations/"+args[1]+"/review", body)
		},
	}
	reviewCmd.Flags().StringVar(&notes, "notes", "", "Review notes")
	reviewCmd.Flags().StringVar(&severity, "severity", "", "Adjusted severity (low, medium, high)")
	root.AddCommand(reviewCmd)

	root.AddCommand(&cobra.Command{
		Use:   "watch <unit-id>",
		Short: "Follow a unit's live event feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().follow(cmd.Context(), "/v1/units/"+args[0]+"/feed", os.Stdout)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runSessions(cmd *cobra.Command, args []string) error {
	var list struct {
		Count    int `json:"count"`
		Sessions []struct {
			ID         string   `json:"id"`
			StudentID  string   `json:"studentId"`
			ExamID     string   `json:"examId"`
			StartTime  string   `json:"startTime"`
			Violations []any    `json:"violations"`
			KeyLogs    []string `json:"keyLogs"`
		} `json:"sessions"`
	}
	if err := newClient().do(cmd.Context(), "GET", "/v1/units/"+args[0]+"/sessions", nil, &list); err != nil {
		return err
	}
	if list.Count == 0 {
		fmt.Println("no active sessions")
		return nil
	}
	fmt.Printf("%-36s  %-16s  %-12s  %-25s  %s\n", "SESSION", "STUDENT", "EXAM", "STARTED", "VIOLATIONS")
	for _, s := range list.Sessions {
		fmt.Printf("%-36s  %-16s  %-12s  %-25s  %d\n", s.ID, s.StudentID, s.ExamID, s.StartTime, len(s.Violations))
	}
	return nil
}
