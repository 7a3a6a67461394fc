package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/warpgate/warpgate/internal/infrastructure/auth"
	"github.com/warpgate/warpgate/internal/infrastructure/proto"
)

const (
	cliName    = "warpctl"
	cliVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "Warpgate 运维工具",
		Long:  "Warpgate CLI — 检查凭证状态, 编解码 server_message_data 载荷",
	}

	rootCmd.AddCommand(newSMDCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── server_message_data ───

func newSMDCommand() *cobra.Command {
	smdCmd := &cobra.Command{
		Use:   "smd",
		Short: "server_message_data 编解码",
	}

	smdCmd.AddCommand(&cobra.Command{
		Use:   "decode <base64url>",
		Short: "解码 server_message_data 载荷",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			smd, err := proto.DecodeServerMessageData(args[0])
			if err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return printJSON(smd)
		},
	})

	encodeCmd := &cobra.Command{
		Use:   "encode",
		Short: "编码 server_message_data 载荷",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("uuid")
			at, _ := cmd.Flags().GetString("time")

			var seconds *int64
			var nanos *int32
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --time: %w", err)
				}
				s := t.Unix()
				n := int32(t.Nanosecond())
				seconds, nanos = &s, &n
			}
			if id == "" && seconds == nil {
				return fmt.Errorf("need --uuid and/or --time")
			}

			fmt.Println(proto.EncodeServerMessageData(id, seconds, nanos))
			return nil
		},
	}
	encodeCmd.Flags().String("uuid", "", "消息 UUID")
	encodeCmd.Flags().String("time", "", "时间戳 (RFC3339)")
	smdCmd.AddCommand(encodeCmd)

	return smdCmd
}

// ─── token ───

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "凭证检查",
	}

	infoCmd := &cobra.Command{
		Use:   "info [jwt]",
		Short: "打印 JWT 声明与剩余有效期",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				envPath, _ := cmd.Flags().GetString("env-file")
				auth.NewEnvFile(envPath).Reload()
				token = os.Getenv("WARP_JWT")
			}
			if token == "" {
				return fmt.Errorf("no token: pass one as argument or set WARP_JWT")
			}

			claims := auth.DecodeJWTPayload(token)
			if claims == nil {
				return fmt.Errorf("token payload is not decodable")
			}

			out := map[string]any{
				"email":     claims["email"],
				"user_id":   claims["user_id"],
				"remaining": auth.TokenRemaining(token).Round(time.Second).String(),
				"expired":   auth.IsTokenExpired(token, 0),
			}
			if exp, ok := claims["exp"].(float64); ok {
				out["expires_at"] = time.Unix(int64(exp), 0).UTC().Format(time.RFC3339)
			}
			return printJSON(out)
		},
	}
	infoCmd.Flags().String("env-file", ".env", "凭证文件路径")
	tokenCmd.AddCommand(infoCmd)

	return tokenCmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
