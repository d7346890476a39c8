package types

import (
	"encoding/json"
	"strings"
)

// 价格哨兵值，与历史数据保持一致
const (
	PriceNotAvailable     = "Not Available"
	PriceFreeNotAvailable = "Free or Not Available"
)

// Record 是一个平台条目的标准化输出，写入后不可变。
// 字段名与文档存储中的键名一一对应。
type Record struct {
	Title            string            `json:"title"`
	Categories       []string          `json:"categories"`
	ShortDescription string            `json:"short_description"`
	FullDescription  string            `json:"full_description"`
	Screenshots      []string          `json:"screenshots"`
	HeaderImage      string            `json:"header_image"`
	Rating           string            `json:"rating"`
	Publisher        string            `json:"publisher"`
	Platforms        []string          `json:"platforms"`
	ReleaseDate      string            `json:"release_date"`
	Prices           map[string]string `json:"prices"` // 小写区域代码 -> 格式化价格或哨兵值
}

// SetPrice 写入一个区域价格，区域代码统一为小写
func (r *Record) SetPrice(region, price string) {
	if r.Prices == nil {
		r.Prices = make(map[string]string)
	}
	if price == "" {
		price = PriceNotAvailable
	}
	r.Prices[strings.ToLower(region)] = price
}


// MarshalJSON 把未设置的列表与价格表编码为 [] 和 {}，存储中不出现 null。
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	out := plain(r)
	if out.Categories == nil {
		out.Categories = []string{}
	}
	if out.Screenshots == nil {
		out.Screenshots = []string{}
	}
	if out.Platforms == nil {
		out.Platforms = []string{}
	}
	if out.Prices == nil {
		out.Prices = map[string]string{}
	}
	return json.Marshal(out)
}
