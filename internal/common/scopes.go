package common

import "gorm.io/gorm"

// ByWarehouse 按仓库过滤，warehouseID 为空时不过滤
// 使用方法：db.Scopes(common.ByWarehouse(id)).Find(&orders)
func ByWarehouse(warehouseID string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if warehouseID == "" {
			return db
		}
		return db.Where("warehouse_id = ?", warehouseID)
	}
}

// ActiveOnly 仅查询 active=true 的记录
func ActiveOnly() func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("active = ?", true)
	}
}

// Paginate 应用分页参数
func Paginate(req PaginationRequest) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(req.GetOffset()).Limit(req.GetPageSize())
	}
}
