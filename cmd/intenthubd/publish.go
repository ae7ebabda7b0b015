package main

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/transport"
	"IntentHub/sdk/go/intenthub"
)

type publishOptions struct {
	action   string
	payload  string
	hex      bool
	version  uint8
	id       string
	freshID  bool
	endpoint string
	timeout  time.Duration
}

func newPublishCommand(root *rootOptions) *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Encode an intent envelope and submit it over HTTP or the configured queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			codec := intent.NewCodec(
				intent.WithVersions(cfg.CodecVersions()...),
				intent.WithMaxPayload(cfg.Codec.MaxPayload),
			)
			msg, err := opts.message(codec)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if opts.endpoint != "" {
				return submitHTTP(ctx, cmd.OutOrStdout(), opts.endpoint, msg)
			}

			if cfg.Transport.Type != transport.TypeRedis && cfg.Transport.Type != transport.TypeRabbitMQ {
				return xerrors.New(xerrors.CodeInvalidArgument, "未配置外部队列，请使用 --endpoint 通过 HTTP 提交")
			}
			queue, err := transport.Open(ctx, transportConfig(cfg))
			if err != nil {
				return err
			}
			defer queue.Close()
			if err := queue.Publish(ctx, msg); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"intent_id": messageID(msg),
				"transport": cfg.Transport.Type,
				"state":     "queued",
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.action, "action", "", "action tag, e.g. LEND")
	flags.StringVar(&opts.payload, "payload", "", "payload bytes, text unless --hex is set")
	flags.BoolVar(&opts.hex, "hex", false, "treat --payload as 0x-prefixed hex")
	flags.Uint8Var(&opts.version, "version", 1, "envelope version")
	flags.StringVar(&opts.id, "id", "", "explicit intent id; defaults to keccak256 of the envelope")
	flags.BoolVar(&opts.freshID, "fresh-id", false, "attach a random UUID as the intent id")
	flags.StringVar(&opts.endpoint, "endpoint", "", "base URL of a running hub, e.g. http://localhost:8080")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall submission timeout")
	_ = cmd.MarkFlagRequired("action")
	cmd.MarkFlagsMutuallyExclusive("id", "fresh-id")
	return cmd
}

// message 构造待投递的消息；信封与本地编解码器使用同一组约束。
func (o *publishOptions) message(codec *intent.Codec) (intent.Message, error) {
	payload := []byte(o.payload)
	if o.hex {
		decoded, err := hexutil.Decode(o.payload)
		if err != nil {
			return intent.Message{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析十六进制负载失败")
		}
		payload = decoded
	}
	body, err := codec.Encode(intent.Intent{
		Action:  intent.Action(strings.TrimSpace(o.action)),
		Version: o.version,
		Payload: payload,
	})
	if err != nil {
		return intent.Message{}, err
	}
	msg := intent.Message{ID: strings.TrimSpace(o.id), Body: body}
	if o.freshID {
		msg.ID = uuid.NewString()
	}
	return msg, nil
}

func messageID(msg intent.Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	return intent.DeriveID(msg.Body)
}

// submitHTTP 通过 POST /api/v1/intents 同步提交，并输出服务端给出的终态。
func submitHTTP(ctx context.Context, out io.Writer, endpoint string, msg intent.Message) error {
	client, err := intenthub.NewClient(strings.TrimRight(endpoint, "/"), nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 --endpoint 失败")
	}
	result, submitErr := client.Submit(ctx, msg.Body, msg.ID)
	if result.IntentID != "" {
		if err := printJSON(out, result); err != nil {
			return err
		}
	}
	return submitErr
}

func printJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
