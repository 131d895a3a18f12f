package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	fixfinder "github.com/davidobonyano/fixfinder-sub002"
	"github.com/spf13/cobra"
)

var (
	// job request
	jobRequestDescription string

	// job cancel
	jobCancelReason string
)

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobRequestCmd)
	jobCmd.AddCommand(jobAcceptCmd)
	jobCmd.AddCommand(jobCompleteCmd)
	jobCmd.AddCommand(jobConfirmCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobReviewCmd)

	jobRequestCmd.Flags().StringVar(&jobRequestDescription, "description", "", "Longer job description")
	jobCancelCmd.Flags().StringVar(&jobCancelReason, "reason", "", "Reason for cancelling (required)")
	_ = jobCancelCmd.MarkFlagRequired("reason")
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Job lifecycle commands",
	Long:  "Drive the job attached to a conversation: request it, accept it, mark it complete, confirm, cancel, and review.",
}

// withJobs opens the conversation engine long enough to run one lifecycle
// action against its job controller.
func withJobs(conversationID string, fn func(context.Context, *fixfinder.JobController) (fixfinder.Job, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conv, cleanup, err := openConversation(ctx, conversationID, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	job, err := fn(ctx, conv.Jobs())
	if err != nil {
		return err
	}
	fmt.Printf("Job %s is now %s\n", job.ID, job.DeriveState())
	return nil
}

var jobShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show the job attached to a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		info, err := client.Conversations.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if info.Job == nil {
			fmt.Println("No job attached to this conversation.")
			return nil
		}

		job := info.Job
		fmt.Printf("Job:          %s\n", job.ID)
		fmt.Printf("Title:        %s\n", job.Title)
		fmt.Printf("State:        %s\n", job.DeriveState())
		if job.CancelReason != "" {
			fmt.Printf("Cancelled:    %s\n", job.CancelReason)
		}
		fmt.Printf("Requester:    %s\n", job.RequesterID)
		fmt.Printf("Professional: %s\n", job.ProfessionalID)
		return nil
	},
}

var jobRequestCmd = &cobra.Command{
	Use:   "request <conversation-id> <title>",
	Short: "Request a job (requester only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(args[0], func(ctx context.Context, jobs *fixfinder.JobController) (fixfinder.Job, error) {
			return jobs.Request(ctx, &fixfinder.JobRequest{
				Title:       args[1],
				Description: jobRequestDescription,
			})
		})
	},
}

var jobAcceptCmd = &cobra.Command{
	Use:   "accept <conversation-id>",
	Short: "Accept the requested job (professional only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(args[0], func(ctx context.Context, jobs *fixfinder.JobController) (fixfinder.Job, error) {
			return jobs.Accept(ctx)
		})
	},
}

var jobCompleteCmd = &cobra.Command{
	Use:   "complete <conversation-id>",
	Short: "Mark the job completed (professional only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(args[0], func(ctx context.Context, jobs *fixfinder.JobController) (fixfinder.Job, error) {
			return jobs.MarkCompleted(ctx)
		})
	},
}

var jobConfirmCmd = &cobra.Command{
	Use:   "confirm <conversation-id>",
	Short: "Confirm completion and close the job (requester only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(args[0], func(ctx context.Context, jobs *fixfinder.JobController) (fixfinder.Job, error) {
			return jobs.ConfirmCompletion(ctx)
		})
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <conversation-id>",
	Short: "Cancel the job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(args[0], func(ctx context.Context, jobs *fixfinder.JobController) (fixfinder.Job, error) {
			return jobs.Cancel(ctx, jobCancelReason)
		})
	},
}

var jobReviewCmd = &cobra.Command{
	Use:   "review <conversation-id> <rating> [comment]",
	Short: "Review the professional on a closed job (requester only)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := strconv.Atoi(args[1])
		if err != nil || rating < 1 || rating > 5 {
			return fmt.Errorf("rating must be an integer from 1 to 5")
		}
		comment := ""
		if len(args) == 3 {
			comment = args[2]
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conv, cleanup, err := openConversation(ctx, args[0], nil)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := conv.Jobs().SubmitReview(ctx, rating, comment); err != nil {
			return fmt.Errorf("review failed: %w", err)
		}
		fmt.Println("Review submitted.")
		return nil
	},
}
