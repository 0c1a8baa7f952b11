package cli

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"connecto/discovery"
	cerrors "connecto/errors"
	"connecto/keys"
	"connecto/ui"
)

type keygenOptions struct {
	name    string
	comment string
	rsa     bool
}

var keygenOpts keygenOptions

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an SSH key pair in ~/.ssh",
	Long: `Generate a new SSH key pair without pairing. Point default_key in the
config at it to use it for every 'connecto pair'.

Examples:
  connecto keygen
  connecto keygen --name work_key --comment me@work --rsa`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKeygen(cmd, keygenOpts)
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenOpts.name, "name", "n", "connecto_key", "key file name inside ~/.ssh")
	keygenCmd.Flags().StringVarP(&keygenOpts.comment, "comment", "c", "", "key comment (default: user@host)")
	keygenCmd.Flags().BoolVar(&keygenOpts.rsa, "rsa", false, "generate an RSA-4096 key instead of Ed25519")
}

func runKeygen(cmd *cobra.Command, opts keygenOptions) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	p := env.ui

	path := env.keys.KeyPath(opts.name)
	if _, err := os.Stat(path); err == nil {
		return cerrors.New(cerrors.ErrKeyGeneration,
			"Key already exists: "+path,
			"Choose another --name or remove the existing key first")
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cerrors.Wrap(err, cerrors.ErrIO, "Failed to check "+path)
	}

	alg := keys.Ed25519
	if opts.rsa {
		alg = keys.RSA4096
	}
	comment := opts.comment
	if comment == "" {
		comment = defaultComment(discovery.Hostname())
	}

	p.Info("Generating %s key...", alg)
	pair, err := keys.Generate(alg, comment)
	if err != nil {
		return err
	}
	privatePath, publicPath, err := env.keys.SaveKeyPair(pair, opts.name)
	if err != nil {
		return err
	}

	p.Success("Key pair generated")
	p.Blank()
	p.Section("Files:",
		"Private: "+ui.Muted(privatePath),
		"Public:  "+ui.Muted(publicPath),
	)
	p.Section("Fingerprint:", keys.Fingerprint(pair.PublicKey))
	p.Println(ui.Bold("Public key:"))
	p.Println(pair.PublicKey)
	p.Blank()
	return nil
}
