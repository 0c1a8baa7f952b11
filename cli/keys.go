package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cerrors "connecto/errors"
	"connecto/keys"
	"connecto/models"
	"connecto/storage"
	"connecto/ui"
)

var keysRemoveYes bool

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage keys authorized to SSH into this machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKeysList(cmd)
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List authorized keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKeysList(cmd)
	},
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove <number|pattern>",
	Short: "Remove an authorized key",
	Long: `Remove a key from ~/.ssh/authorized_keys by its number in 'connecto keys
list' or by a case-insensitive pattern that matches exactly one key.

Examples:
  connecto keys remove 2
  connecto keys remove alice@laptop --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKeysRemove(cmd, args[0], keysRemoveYes)
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRemoveCmd)
	keysRemoveCmd.Flags().BoolVarP(&keysRemoveYes, "yes", "y", false, "skip the confirmation prompt")
}

func runKeysList(cmd *cobra.Command) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	p := env.ui

	p.Banner("AUTHORIZED KEYS", ui.BannerKeys)

	lines, err := env.keys.List()
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		p.Info("No authorized keys found.")
		p.Blank()
		p.Println(ui.Muted("Run 'connecto listen' on this machine to allow other devices to pair."))
		p.Blank()
		return nil
	}

	p.Println(fmt.Sprintf("%d authorized key(s) found:", len(lines)))
	p.Blank()
	p.Printf("%s", ui.RenderKeys(lines))
	p.Blank()
	p.Println(ui.Muted("To remove a key: ") + ui.Highlight("connecto keys remove <number>"))
	p.Blank()
	return nil
}

func runKeysRemove(cmd *cobra.Command, target string, yes bool) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	p := env.ui

	p.Banner("REMOVE KEY", ui.BannerRemove)

	lines, err := env.keys.List()
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		p.Info("No authorized keys to remove.")
		return nil
	}

	key, matches, err := selectKey(lines, target)
	if err != nil {
		if len(matches) > 0 {
			p.Warn("Multiple keys match '%s':", target)
			p.Printf("%s", ui.RenderKeys(matches))
			p.Blank()
		}
		return err
	}

	s := ui.SummarizeKey(key)
	p.Println("About to remove:")
	p.Println(fmt.Sprintf("  %s %s - %s", ui.SymbolBullet, ui.Highlight(s.Type), s.Comment))
	p.Blank()

	if !yes && term.IsTerminal(int(os.Stdin.Fd())) {
		var proceed bool
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Are you sure you want to remove this key?").
					Value(&proceed),
			),
		)
		if err := form.Run(); err != nil || !proceed {
			p.Info("Operation cancelled.")
			return nil
		}
	}

	removed, err := env.keys.Remove(key)
	if err != nil {
		return err
	}
	if !removed {
		return cerrors.New(cerrors.ErrAuthorizedKeys, "Failed to remove key",
			"authorized_keys changed while this command was running; list the keys again")
	}

	env.record(models.PairingEvent{
		Kind:       storage.KindKeyRemoved,
		KeyComment: s.Comment,
		Outcome:    storage.OutcomeSuccess,
		Details:    keys.Fingerprint(key),
	})
	p.Success("Key removed successfully.")
	return nil
}

// selectKey picks one authorized_keys line by 1-based number or by a
// case-insensitive substring. When a pattern matches several lines they are
// returned with the error.
func selectKey(lines []string, target string) (string, []string, error) {
	if n, err := strconv.Atoi(target); err == nil {
		if n < 1 || n > len(lines) {
			return "", nil, cerrors.New(cerrors.ErrAuthorizedKeys,
				fmt.Sprintf("Invalid key number %d", n),
				fmt.Sprintf("Valid range: 1-%d", len(lines)))
		}
		return lines[n-1], nil, nil
	}

	pattern := strings.ToLower(target)
	var matches []string
	for _, line := range lines {
		if strings.Contains(strings.ToLower(line), pattern) {
			matches = append(matches, line)
		}
	}
	switch len(matches) {
	case 0:
		return "", nil, cerrors.Newf(cerrors.ErrAuthorizedKeys, "No keys matching '%s' found", target)
	case 1:
		return matches[0], nil, nil
	default:
		return "", matches, cerrors.New(cerrors.ErrAuthorizedKeys,
			fmt.Sprintf("Multiple keys match '%s'", target),
			"Use a longer pattern or the key number from 'connecto keys list'")
	}
}
