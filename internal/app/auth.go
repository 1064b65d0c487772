package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source/gmail"
	"github.com/nhle/mailsync/internal/ui/login"
)

func (a *App) authCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Store provider credentials",
	}
	cmd.AddCommand(a.authGmailCommand(), a.authIMAPCommand())
	return cmd
}

func (a *App) authGmailCommand() *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "gmail",
		Short: "Authorize read-only Gmail access and save the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			credPath := a.cfg.ResolvePath(a.cfg.Gmail.CredentialsFile)
			oauthCfg, err := gmail.LoadOAuthConfig(credPath)
			if err != nil {
				return err
			}

			if code == "" {
				if err := login.GmailCodeForm(gmail.AuthCodeURL(oauthCfg), &code).Run(); err != nil {
					return err
				}
			}

			tokenPath := a.cfg.ResolvePath(a.cfg.Gmail.TokenFile)
			if err := gmail.Exchange(cmd.Context(), oauthCfg, strings.TrimSpace(code), tokenPath); err != nil {
				return err
			}
			a.log.Info().Str("token", tokenPath).Msg("gmail token saved")
			fmt.Fprintf(a.Stdout, "Gmail token saved to %s\n", tokenPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "authorization code, skips the prompt")
	return cmd
}

func (a *App) authIMAPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "imap",
		Short: "Configure an IMAP account and store its password in the keyring",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			answers := login.NewIMAPAnswers(a.cfg.IMAP)
			if answers.Port == "" {
				answers.Port = "993"
			}
			if err := login.IMAPForm(answers).Run(); err != nil {
				return err
			}
			if err := answers.Apply(&a.cfg.IMAP); err != nil {
				return err
			}

			key := credential.IMAPKey(a.cfg.IMAP.Username, a.cfg.IMAP.Host)
			if err := credential.Set(key, answers.Password); err != nil {
				return err
			}

			a.cfg.Provider = model.ProviderIMAP
			if err := model.SaveConfig(a.configPath, a.cfg); err != nil {
				return err
			}
			a.log.Info().Str("host", a.cfg.IMAP.Host).Str("user", a.cfg.IMAP.Username).Msg("imap account saved")
			fmt.Fprintf(a.Stdout, "IMAP account saved to %s\n", a.configPath)
			return nil
		},
	}
}
