package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RPCService talks JSON-RPC 2.0 to a multisig wallet daemon. One wallet file
// per trade; the daemon opens the file on demand.
type RPCService struct {
	baseURL string
	user    string
	pass    string
	client  *http.Client
}

// NewRPCService creates a wallet backend bound to a wallet daemon.
func NewRPCService(baseURL, user, pass string) *RPCService {
	return &RPCService{
		baseURL: baseURL,
		user:    user,
		pass:    pass,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// MultisigWallet implements Service. The wallet file is opened lazily by the
// first RPC that needs it.
func (s *RPCService) MultisigWallet(ctx context.Context, tradeID string) (MultisigWallet, error) {
	w := &rpcWallet{svc: s, tradeID: tradeID}
	if err := w.open(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip and unmarshals the result into out.
func (s *RPCService) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("wallet: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wallet: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.pass)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRPCConnection, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrRPCConnection, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("wallet: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("wallet: %s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("wallet: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// rpcWallet is one trade's wallet file on the daemon.
type rpcWallet struct {
	svc     *RPCService
	tradeID string
}

func (w *rpcWallet) open(ctx context.Context) error {
	err := w.svc.call(ctx, "open_wallet", map[string]string{"filename": w.tradeID}, nil)
	if err != nil {
		return &TxError{Op: "open_wallet", TradeID: w.tradeID, Err: err}
	}
	return nil
}

func (w *rpcWallet) Sync(ctx context.Context) error {
	if err := w.svc.call(ctx, "refresh", nil, nil); err != nil {
		return &TxError{Op: "refresh", TradeID: w.tradeID, Err: err}
	}
	return nil
}

type balanceResult struct {
	UnlockedBalance      uint64 `json:"unlocked_balance"`
	MultisigImportNeeded bool   `json:"multisig_import_needed"`
}

func (w *rpcWallet) UnlockedBalance(ctx context.Context) (uint64, error) {
	var res balanceResult
	if err := w.svc.call(ctx, "get_balance", nil, &res); err != nil {
		return 0, &TxError{Op: "get_balance", TradeID: w.tradeID, Err: err}
	}
	return res.UnlockedBalance, nil
}

func (w *rpcWallet) IsMultisigImportNeeded(ctx context.Context) (bool, error) {
	var res balanceResult
	if err := w.svc.call(ctx, "get_balance", nil, &res); err != nil {
		return false, &TxError{Op: "get_balance", TradeID: w.tradeID, Err: err}
	}
	return res.MultisigImportNeeded, nil
}

func (w *rpcWallet) ImportMultisigHex(ctx context.Context, hexes []string) error {
	params := map[string]interface{}{"info": hexes}
	if err := w.svc.call(ctx, "import_multisig_info", params, nil); err != nil {
		return &TxError{Op: "import_multisig_info", TradeID: w.tradeID, Err: err}
	}
	return nil
}

type exportResult struct {
	Info string `json:"info"`
}

func (w *rpcWallet) ExportMultisigHex(ctx context.Context) (string, error) {
	var res exportResult
	if err := w.svc.call(ctx, "export_multisig_info", nil, &res); err != nil {
		return "", &TxError{Op: "export_multisig_info", TradeID: w.tradeID, Err: err}
	}
	return res.Info, nil
}

type transferResult struct {
	TxHash        string `json:"tx_hash"`
	MultisigTxset string `json:"multisig_txset"`
	Fee           uint64 `json:"fee"`
}

func (w *rpcWallet) CreateTx(ctx context.Context, cfg TxConfig) (*Tx, error) {
	params := map[string]interface{}{
		"destinations": cfg.Destinations,
		"do_not_relay": true,
		"get_tx_hex":   true,
	}
	if len(cfg.SubtractFeeFromOutputs) > 0 {
		params["subtract_fee_from_outputs"] = cfg.SubtractFeeFromOutputs
	}
	var res transferResult
	if err := w.svc.call(ctx, "transfer", params, &res); err != nil {
		return nil, &TxError{Op: "transfer", TradeID: w.tradeID, Err: err}
	}
	return &Tx{
		ID:           res.TxHash,
		SignedHex:    res.MultisigTxset,
		Fee:          res.Fee,
		Destinations: append([]Destination(nil), cfg.Destinations...),
	}, nil
}
