package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/floegence/redeven-chat/internal/chatclient"
	"github.com/floegence/redeven-chat/internal/frame"
	"github.com/spf13/cobra"
)

func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the server from the terminal",
		Long: `Start an interactive chat session. Each line you type is sent as one
message; replies stream as they arrive. Type "exit" to quit.

Examples:
  redeven-chat chat
  redeven-chat chat --thread 0191f0c2-... --model anthropic/claude-sonnet-4-5
  redeven-chat chat --web`,
		Args: cobra.NoArgs,
		RunE: runChat,
	}
	addClientFlags(cmd)
	cmd.Flags().String("thread", "", "Continue an existing thread")
	cmd.Flags().String("model", "", "Model id (<provider_id>/<model_name>)")
	cmd.Flags().Bool("web", false, "Allow web search for news questions")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	store := chatclient.NewStore(chatclient.StoreOptions{})
	client, err := newClient(cmd, store, func(id string) {
		fmt.Fprintf(out, "%s\n", color.HiBlackString("(thread %s)", id))
	})
	if err != nil {
		return err
	}
	threadID, _ := cmd.Flags().GetString("thread")
	model, _ := cmd.Flags().GetString("model")
	web, _ := cmd.Flags().GetBool("web")

	var ref *chatclient.ThreadRef
	if threadID = strings.TrimSpace(threadID); threadID != "" {
		msgs, err := client.Load(ctx, threadID)
		if err != nil {
			return fmt.Errorf("load thread: %w", err)
		}
		for _, m := range msgs {
			printMessage(out, m)
		}
		ref = store.Ref(threadID)
	} else {
		ref = store.NewThread("")
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprintf(out, "%s: ", color.CyanString("You"))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") {
			return nil
		}

		streaming := false
		res, err := client.Send(ctx, ref, input, chatclient.SendOptions{
			Model:     model,
			WebSearch: web,
			OnFrame: func(f frame.Frame) {
				switch f.Kind {
				case frame.KindModel:
					fmt.Fprintf(out, "%s: ", color.MagentaString(f.Model))
					streaming = true
				case frame.KindContent:
					if !streaming {
						fmt.Fprint(out, color.MagentaString("Assistant")+": ")
						streaming = true
					}
					fmt.Fprint(out, f.Content)
				}
			},
		})
		if streaming {
			fmt.Fprintln(out)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var he *chatclient.HTTPError
			if errors.As(err, &he) && he.Status == 401 {
				return err
			}
			fmt.Fprintf(out, "%s %v\n", color.RedString("error:"), err)
			continue
		}
		if res.Failure != nil {
			hint := ""
			if res.Failure.CanRetry {
				hint = " (you can send it again)"
			}
			fmt.Fprintf(out, "%s %s%s\n", color.YellowString("warning:"), res.Failure.Message, hint)
		}
		if strings.TrimSpace(res.Content) == frame.EmptyReplyText {
			fmt.Fprintln(out, color.YellowString(frame.EmptyReplyText))
		}
	}
}

func printMessage(w io.Writer, m chatclient.Message) {
	who := color.CyanString("You")
	if m.Role != "user" {
		who = color.MagentaString(firstSet(m.Model, "Assistant"))
	}
	fmt.Fprintf(w, "%s: %s\n", who, m.Content)
}
