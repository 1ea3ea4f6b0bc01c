package broker

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ServiceTypeChatbot is the service type of OpenAI-compatible chat providers.
const ServiceTypeChatbot = "chatbot"

// proxyPath 是服务商 OpenAI 兼容接口的固定前缀。
const proxyPath = "/v1/proxy"

// ServingABI describes the read-only part of the serving contract used here.
const ServingABI = `[{
  "name": "getAllServices",
  "type": "function",
  "stateMutability": "view",
  "inputs": [],
  "outputs": [{
    "name": "services",
    "type": "tuple[]",
    "components": [
      {"name": "provider", "type": "address"},
      {"name": "serviceType", "type": "string"},
      {"name": "url", "type": "string"},
      {"name": "inputPrice", "type": "uint256"},
      {"name": "outputPrice", "type": "uint256"},
      {"name": "updatedAt", "type": "uint256"},
      {"name": "model", "type": "string"},
      {"name": "verifiability", "type": "string"},
      {"name": "additionalInfo", "type": "string"}
    ]
  }]
}]`

var servingABI = mustParseABI(ServingABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid serving abi: %v", err))
	}
	return parsed
}

// Service describes one inference service registered on the serving contract.
// Prices are per token in the chain's smallest unit.
type Service struct {
	Provider       common.Address `json:"provider"`
	ServiceType    string         `json:"service_type"`
	URL            string         `json:"url"`
	InputPrice     *big.Int       `json:"input_price"`
	OutputPrice    *big.Int       `json:"output_price"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Model          string         `json:"model"`
	Verifiability  string         `json:"verifiability"`
	AdditionalInfo string         `json:"additional_info,omitempty"`
}

// BaseURL returns the OpenAI-compatible base endpoint of the service.
func (s Service) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(s.URL), "/") + proxyPath
}

// SupportsStreaming reports whether the service type serves incremental
// chat/completion responses.
func (s Service) SupportsStreaming() bool {
	return strings.EqualFold(s.ServiceType, ServiceTypeChatbot)
}

// serviceTuple 与合约返回的 tuple 字段一一对应，供 abi.ConvertType 使用。
type serviceTuple struct {
	Provider       common.Address
	ServiceType    string
	Url            string
	InputPrice     *big.Int
	OutputPrice    *big.Int
	UpdatedAt      *big.Int
	Model          string
	Verifiability  string
	AdditionalInfo string
}

func (t serviceTuple) service() Service {
	svc := Service{
		Provider:       t.Provider,
		ServiceType:    t.ServiceType,
		URL:            t.Url,
		InputPrice:     nonNil(t.InputPrice),
		OutputPrice:    nonNil(t.OutputPrice),
		Model:          t.Model,
		Verifiability:  t.Verifiability,
		AdditionalInfo: t.AdditionalInfo,
	}
	if t.UpdatedAt != nil && t.UpdatedAt.IsInt64() {
		svc.UpdatedAt = time.Unix(t.UpdatedAt.Int64(), 0).UTC()
	}
	return svc
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func packGetAllServices() ([]byte, error) {
	return servingABI.Pack("getAllServices")
}

func unpackServices(data []byte) ([]Service, error) {
	out, err := servingABI.Unpack("getAllServices", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected output count %d", len(out))
	}
	tuples := *abi.ConvertType(out[0], new([]serviceTuple)).(*[]serviceTuple)

	services := make([]Service, 0, len(tuples))
	for _, t := range tuples {
		services = append(services, t.service())
	}
	return services, nil
}
