package palisaded

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
)

var (
	adminNodeURL *string

	cancelReason *string

	tokenPerTxLimit  *string
	tokenHourlyLimit *string
	tokenDailyLimit  *string
)

func init() {
	// Shared flags for all admin commands
	pf := pflag.NewFlagSet("commonAdminFlags", pflag.ContinueOnError)
	adminNodeURL = pf.String("node", "http://[::1]:6060", "Status server address of the node to administer")

	AdminClientStatusCmd.Flags().AddFlagSet(pf)
	AdminClientGovernorUsageCmd.Flags().AddFlagSet(pf)
	AdminClientResumeGovernorCmd.Flags().AddFlagSet(pf)
	AdminClientSetTokenCmd.Flags().AddFlagSet(pf)
	AdminClientRequestStatusCmd.Flags().AddFlagSet(pf)
	AdminClientCancelRequestCmd.Flags().AddFlagSet(pf)

	cancelReason = AdminClientCancelRequestCmd.Flags().String("reason", "", "Operator-visible cancellation reason")

	tokenPerTxLimit = AdminClientSetTokenCmd.Flags().String("perTxLimit", "", "Token per-transfer USD limit override, 1e18 scaled")
	tokenHourlyLimit = AdminClientSetTokenCmd.Flags().String("hourlyLimit", "", "Token hourly USD limit override, 1e18 scaled")
	tokenDailyLimit = AdminClientSetTokenCmd.Flags().String("dailyLimit", "", "Token daily USD limit override, 1e18 scaled")

	AdminCmd.AddCommand(AdminClientStatusCmd)
	AdminCmd.AddCommand(AdminClientGovernorUsageCmd)
	AdminCmd.AddCommand(AdminClientResumeGovernorCmd)
	AdminCmd.AddCommand(AdminClientSetTokenCmd)
	AdminCmd.AddCommand(AdminClientRequestStatusCmd)
	AdminCmd.AddCommand(AdminClientCancelRequestCmd)
}

var AdminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Palisade node admin commands",
}

var AdminClientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node component status",
	Run:   runAdminStatus,
}

var AdminClientGovernorUsageCmd = &cobra.Command{
	Use:   "governor-usage",
	Short: "Display volume window usage against limits",
	Run:   runAdminGovernorUsage,
}

var AdminClientResumeGovernorCmd = &cobra.Command{
	Use:   "resume-governor",
	Short: "Clear a governor pause and reopen transfers",
	Run:   runAdminResumeGovernor,
}

var AdminClientSetTokenCmd = &cobra.Command{
	Use:   "set-token [ADDRESS] [SYMBOL] [DECIMALS] [PRICE_USD]",
	Short: "Add or reprice a governed token (price 1e18 scaled)",
	Run:   runAdminSetToken,
	Args:  cobra.ExactArgs(4),
}

var AdminClientRequestStatusCmd = &cobra.Command{
	Use:   "request [REQUEST_ID]",
	Short: "Display the challenge window state of a bridge request",
	Run:   runAdminRequestStatus,
	Args:  cobra.ExactArgs(1),
}

var AdminClientCancelRequestCmd = &cobra.Command{
	Use:   "cancel-request [REQUEST_ID]",
	Short: "Cancel a pending or challenged bridge request",
	Run:   runAdminCancelRequest,
	Args:  cobra.ExactArgs(1),
}

func adminGet(path string) gjson.Result {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*adminNodeURL + path)
	if err != nil {
		log.Fatalf("failed to query node: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("failed to read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("node returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return gjson.ParseBytes(body)
}

func adminPost(path string, payload interface{}) gjson.Result {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("failed to encode request: %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(*adminNodeURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		log.Fatalf("failed to query node: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("failed to read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("node returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return gjson.ParseBytes(body)
}

func runAdminStatus(cmd *cobra.Command, args []string) {
	st := adminGet("/v1/status")

	fmt.Printf("version:      %s\n", st.Get("version").String())
	fmt.Printf("home chain:   %s\n", st.Get("homeChain").String())
	fmt.Printf("operational:  %t\n", st.Get("operational").Bool())
	fmt.Printf("signer set:   version %d, %d signers, threshold %d\n",
		st.Get("validator.setVersion").Uint(),
		st.Get("validator.signerCount").Uint(),
		st.Get("validator.threshold").Uint())
	fmt.Printf("council:      %d guardians, threshold %d, paused %t\n",
		st.Get("council.guardians").Uint(),
		st.Get("council.threshold").Uint(),
		st.Get("council.paused").Bool())
	fmt.Printf("window:       %d pending, %d challenged, %d executed, %d refunded\n",
		st.Get("challengeWindow.pending").Uint(),
		st.Get("challengeWindow.challenged").Uint(),
		st.Get("challengeWindow.executed").Uint(),
		st.Get("challengeWindow.refunded").Uint())
	fmt.Printf("deposits:     %d (sequence %d)\n",
		st.Get("orchestrator.deposits").Uint(),
		st.Get("orchestrator.sequence").Uint())

	st.Get("orchestrator.tvl").ForEach(func(token, value gjson.Result) bool {
		fmt.Printf("tvl:          %s = %s\n", token.String(), value.String())
		return true
	})
}

func runAdminGovernorUsage(cmd *cobra.Command, args []string) {
	gov := adminGet("/v1/status").Get("governor")

	if gov.Get("paused").Bool() {
		fmt.Printf("PAUSED: %s\n", gov.Get("pauseReason").String())
	}
	fmt.Printf("tokens:  %d\n", gov.Get("tokenCount").Uint())
	fmt.Printf("hourly:  %s of %s used\n",
		gov.Get("hourlyUsedUsd").String(), gov.Get("hourlyLimitUsd").String())
	fmt.Printf("daily:   %s of %s used (%d transfers in 24h)\n",
		gov.Get("dailyUsedUsd").String(), gov.Get("dailyLimitUsd").String(),
		gov.Get("transferCount24h").Uint())
}

func runAdminResumeGovernor(cmd *cobra.Command, args []string) {
	adminPost("/v1/admin/governor/resume", map[string]string{})
	log.Printf("governor resumed")
}

func runAdminSetToken(cmd *cobra.Command, args []string) {
	decimals, err := strconv.ParseUint(args[2], 10, 8)
	if err != nil {
		log.Fatalf("invalid decimals: %v", err)
	}

	payload := map[string]interface{}{
		"address":  args[0],
		"symbol":   args[1],
		"decimals": decimals,
		"priceUsd": args[3],
	}
	if *tokenPerTxLimit != "" {
		payload["perTxLimit"] = *tokenPerTxLimit
	}
	if *tokenHourlyLimit != "" {
		payload["hourlyLimit"] = *tokenHourlyLimit
	}
	if *tokenDailyLimit != "" {
		payload["dailyLimit"] = *tokenDailyLimit
	}

	adminPost("/v1/admin/governor/token", payload)
	log.Printf("token %s (%s) configured", args[0], args[1])
}

func runAdminRequestStatus(cmd *cobra.Command, args []string) {
	req := adminGet("/v1/request/" + args[0])

	fmt.Printf("request:    %s\n", req.Get("requestId").String())
	fmt.Printf("status:     %s\n", req.Get("status").String())
	fmt.Printf("amount:     %s\n", req.Get("amount").String())
	fmt.Printf("route:      %s -> %s\n",
		req.Get("sourceChain").String(), req.Get("targetChain").String())
	fmt.Printf("recipient:  %s\n", req.Get("recipient").String())
	fmt.Printf("deadline:   %s\n", req.Get("deadline").String())
	if challenger := req.Get("challenger"); challenger.Exists() {
		fmt.Printf("challenger: %s (bond %s): %s\n",
			challenger.String(), req.Get("bond").String(), req.Get("reason").String())
	}
}

func runAdminCancelRequest(cmd *cobra.Command, args []string) {
	res := adminPost("/v1/admin/request/cancel", map[string]string{
		"requestId": args[0],
		"reason":    *cancelReason,
	})
	log.Printf("request cancelled, challenger payout %s", res.Get("challengerPayout").String())
}
