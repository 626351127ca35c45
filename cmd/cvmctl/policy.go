package main

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ruteri/cvmctl/attestation"
	"github.com/ruteri/cvmctl/cmd/flags"
	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/urfave/cli/v2"
)

var (
	flagKey = &cli.StringFlag{
		Name:     "key",
		Required: true,
		Usage:    "PEM private key of the golden measurement publisher",
	}
	flagPubKeys = &cli.StringSliceFlag{
		Name:     "pubkey",
		Required: true,
		Usage:    "PEM public key of a trusted publisher (repeatable)",
	}
	flagOut = &cli.StringFlag{
		Name:  "out",
		Usage: "output file (default: overwrite the input)",
	}
)

func policyCommand() *cli.Command {
	return &cli.Command{
		Name:  "policy",
		Usage: "trust policy and golden measurement tools",
		Subcommands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "check a trust policy file, its roots and golden measurements",
				ArgsUsage: "[policy.yaml]",
				Action:    policyValidateAction,
			},
			{
				Name:      "sign-golden",
				Usage:     "sign a golden measurement file",
				ArgsUsage: "<golden.json>",
				Flags:     []cli.Flag{flagKey, flagOut},
				Action:    signGoldenAction,
			},
			{
				Name:      "verify-golden",
				Usage:     "verify a signed golden measurement file",
				ArgsUsage: "<golden.json>",
				Flags:     []cli.Flag{flagPubKeys},
				Action:    verifyGoldenAction,
			},
		},
	}
}

func policyValidateAction(cCtx *cli.Context) error {
	path := cCtx.Args().First()
	if path == "" {
		path = flags.PolicyPath(cCtx)
	}
	policy, err := attestation.LoadPolicy(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cCtx.App.Writer, "%s %s: %d provider roots, max evidence age %s\n",
		okFmt("valid"), path, len(policy.Roots), policy.MaxEvidenceAge)
	return nil
}

func goldenArg(cCtx *cli.Context) (string, *cryptoutils.SignedGolden, error) {
	path := cCtx.Args().First()
	if path == "" {
		return "", nil, errors.New("golden measurement file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	doc, err := cryptoutils.ParseSignedGolden(data)
	if err != nil {
		return "", nil, err
	}
	return path, doc, nil
}

func signGoldenAction(cCtx *cli.Context) error {
	path, doc, err := goldenArg(cCtx)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(cCtx.String(flagKey.Name))
	if err != nil {
		return fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := cryptoutils.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return err
	}
	if err := cryptoutils.SignGolden(doc, key); err != nil {
		return err
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dst := cCtx.String(flagOut.Name)
	if dst == "" {
		dst = path
	}
	if err := os.WriteFile(dst, append(out, '\n'), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cCtx.App.Writer, "%s %s (%d measurements)\n", okFmt("signed"), dst, len(doc.Measurements()))
	return nil
}

func verifyGoldenAction(cCtx *cli.Context) error {
	path, doc, err := goldenArg(cCtx)
	if err != nil {
		return err
	}
	var keys []crypto.PublicKey
	for _, p := range cCtx.StringSlice(flagPubKeys.Name) {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read public key %s: %w", p, err)
		}
		key, err := cryptoutils.ParsePublicKeyPEM(data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		keys = append(keys, key)
	}
	if err := cryptoutils.VerifyGolden(doc, keys...); err != nil {
		return err
	}
	fmt.Fprintf(cCtx.App.Writer, "%s %s\n", okFmt("verified"), path)
	for _, m := range doc.Measurements() {
		fmt.Fprintf(cCtx.App.Writer, "  %s\n", m)
	}
	return nil
}
