package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/web3"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEnvelope(w io.Writer, tx *safetx.Transaction) error {
	payload, err := safetx.MarshalEnvelope(tx)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, payload, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err = w.Write(out.Bytes())
	return err
}

// printSummary 输出交易的关键字段与最近的警告或错误。
func printSummary(w io.Writer, tx *safetx.Transaction) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "hash:\t%s\n", tx.Hash)
	fmt.Fprintf(tw, "safe:\t%s (%s)\n", tx.SafeAddress(), web3.NetworkName(tx.ChainID))
	fmt.Fprintf(tw, "nonce:\t%d\n", tx.Nonce)
	fmt.Fprintf(tw, "status:\t%s\n", tx.Status)
	fmt.Fprintf(tw, "signatures:\t%d\n", tx.SignatureCount())
	meta := tx.Metadata
	if meta.Execution != nil && meta.Execution.TxHash != "" {
		fmt.Fprintf(tw, "tx hash:\t%s\n", meta.Execution.TxHash)
	}
	if meta.Warning != "" {
		fmt.Fprintf(tw, "warning:\t%s\n", meta.Warning)
	}
	if meta.ConfirmationError != "" {
		fmt.Fprintf(tw, "confirmation:\t%s\n", meta.ConfirmationError)
	}
	if meta.LastError != nil {
		fmt.Fprintf(tw, "last error:\t[%s] %s\n", meta.LastError.Kind, meta.LastError.Message)
	}
	if meta.Remote != nil {
		fmt.Fprintf(tw, "remote:\t%s\n", meta.Remote.URI)
	}
	return tw.Flush()
}

func printTransactions(w io.Writer, txs []*safetx.Transaction) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NONCE\tHASH\tSTATUS\tSIGS\tTYPE\tCREATED")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			tx.Nonce, shortHash(tx.Hash), tx.Status, tx.SignatureCount(),
			dash(tx.Metadata.Type), tx.CreateDate.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func printSignatureReport(w io.Writer, tx *safetx.Transaction, report safetx.SignatureReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "hash:\t%s\n", report.Hash)
	fmt.Fprintf(tw, "status:\t%s\n", tx.Status)
	fmt.Fprintf(tw, "signatures:\t%d/%d\n", report.Count, report.Threshold)
	fmt.Fprintf(tw, "executable:\t%t\n", report.IsExecutable)
	for _, signer := range report.Signers {
		at := "-"
		if signer.SignedAt != nil {
			at = signer.SignedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "  signed\t%s\t%s\t%s\n", signer.Owner, signer.Type, at)
	}
	for _, owner := range report.Missing {
		fmt.Fprintf(tw, "  missing\t%s\n", owner)
	}
	return tw.Flush()
}

func shortHash(hash string) string {
	if len(hash) <= 14 {
		return hash
	}
	return hash[:8] + "…" + hash[len(hash)-6:]
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
