package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
)

// Provider 定义商品目录检索的通用接口。
type Provider interface {
	Search(query string) []Listing
}

// Listing 描述某个卖家挂出的一件商品。
type Listing struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Description string `json:"description,omitempty"`
	SellerID    string `json:"seller_id"`
	SellerName  string `json:"seller_name,omitempty"`
	// SellerAddress 为卖家的链上收款地址，结算阶段必须非空。
	SellerAddress string          `json:"seller_address"`
	Price         decimal.Decimal `json:"price"`
	// DiscountCeiling 为卖家允许的最大折扣百分比，空指针表示不让价。
	DiscountCeiling *decimal.Decimal `json:"discount_ceiling,omitempty"`
}

// StaticProvider 通过加载 JSON 文件提供静态商品检索能力。
type StaticProvider struct {
	listings   []Listing
	maxResults int
}

// NewStaticProvider 创建静态商品目录实例。
func NewStaticProvider(listings []Listing, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &StaticProvider{
		listings:   listings,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载商品条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("商品目录文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析商品目录路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取商品目录文件失败: %w", err)
	}
	defer file.Close()

	var entries []Listing
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析商品目录文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Search 按商品名称关键字做大小写不敏感的包含匹配，保持文件内顺序。
func (p *StaticProvider) Search(query string) []Listing {
	if p == nil {
		return nil
	}

	query = strings.ToLower(strings.TrimSpace(query))

	results := make([]Listing, 0, p.maxResults)
	for _, item := range p.listings {
		if matches(item, query) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(listing Listing, query string) bool {
	if query == "" {
		return true
	}
	name := strings.ToLower(listing.ProductName)
	if strings.Contains(name, query) {
		return true
	}
	desc := strings.ToLower(listing.Description)
	return desc != "" && strings.Contains(desc, query)
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
