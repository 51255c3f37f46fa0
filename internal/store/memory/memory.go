package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/logger"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/xid"
)

// Store keeps everything in maps behind one RWMutex. It has no multi-statement
// transactions, so callers that need all-or-nothing writes compensate.
type Store struct {
	mu                sync.RWMutex
	products          map[string]domain.Product
	movements         []domain.InventoryMovement
	companies         map[string]domain.Company
	salesByID         map[string]*domain.Sale
	saleIDByInvoice   map[string]string
	shiftsByID        map[string]domain.Shift
	activeShiftByUser map[string]string
	denominations     map[string][]domain.ShiftDenomination
	usersByID         map[string]domain.UserAccount
	userIDByEmail     map[string]string
	auditLogs         []domain.AuditLog
}

var _ store.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		products:          make(map[string]domain.Product),
		movements:         make([]domain.InventoryMovement, 0, 128),
		companies:         make(map[string]domain.Company),
		salesByID:         make(map[string]*domain.Sale),
		saleIDByInvoice:   make(map[string]string),
		shiftsByID:        make(map[string]domain.Shift),
		activeShiftByUser: make(map[string]string),
		denominations:     make(map[string][]domain.ShiftDenomination),
		usersByID:         make(map[string]domain.UserAccount),
		userIDByEmail:     make(map[string]string),
		auditLogs:         make([]domain.AuditLog, 0, 128),
	}
}

var (
	seedUsersOnce sync.Once
	seededUsers   []domain.UserAccount
)

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD, falling back to dev defaults.
func seedUsers() []domain.UserAccount {
	seedUsersOnce.Do(func() {
		adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
		staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
		if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
			logger.Default().Warnw("using default dev credentials for seeded users",
				"component", "memory-store")
		}

		now := time.Now().UTC()
		for _, u := range []struct {
			id       string
			email    string
			name     string
			password string
			role     string
			active   bool
		}{
			{"usr_admin", "admin@ferrepos.local", "Administrador", adminPwd, domain.RoleAdmin, true},
			{"usr_admin2", "gerente@ferrepos.local", "Gerente", adminPwd, domain.RoleAdmin, true},
			{"usr_cashier", "caja1@ferrepos.local", "Cajero Uno", staffPwd, domain.RoleCashier, true},
			{"usr_cashier2", "caja2@ferrepos.local", "Cajero Dos", staffPwd, domain.RoleCashier, true},
			{"usr_warehouse", "bodega@ferrepos.local", "Bodega", staffPwd, domain.RoleWarehouse, true},
			{"usr_accounting", "contabilidad@ferrepos.local", "Contabilidad", staffPwd, domain.RoleAccounting, true},
			{"usr_admin_off", "exadmin@ferrepos.local", "Ex Administrador", adminPwd, domain.RoleAdmin, false},
		} {
			hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
			if err != nil {
				panic("memory store: hash seed password: " + err.Error())
			}
			seededUsers = append(seededUsers, domain.UserAccount{
				ID:           u.id,
				Email:        u.email,
				Name:         u.name,
				PasswordHash: string(hash),
				Role:         u.role,
				Active:       u.active,
				CreatedAt:    now,
			})
		}
	})
	return seededUsers
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small hardware catalog, two companies and
// one account per role.
func NewSeeded() *Store {
	s := New()
	for _, p := range []domain.Product{
		{ID: "prd_hammer", SKU: "HER-MAR-16", Name: "Martillo de una 16oz", UnitPrice: 1000, BulkPrice: 850, BulkMinimumQuantity: 5, Stock: 40, Active: true},
		{ID: "prd_screws", SKU: "TOR-DRY-100", Name: "Tornillo drywall x100", UnitPrice: 4500, BulkPrice: 3900, BulkMinimumQuantity: 10, Stock: 200, Active: true},
		{ID: "prd_cement", SKU: "CEM-GRI-50", Name: "Cemento gris 50kg", UnitPrice: 32000, BulkPrice: 29500, BulkMinimumQuantity: 20, Stock: 80, Active: true},
		{ID: "prd_tape", SKU: "CIN-AIS-01", Name: "Cinta aislante", UnitPrice: 2500, Stock: 150, Active: true},
		{ID: "prd_drill", SKU: "TAL-PER-500", Name: "Taladro percutor 500W", UnitPrice: 189000, Stock: 6, Active: true},
		{ID: "prd_paint", SKU: "PIN-VIN-GAL", Name: "Pintura vinilo galon", UnitPrice: 54000, BulkPrice: 49000, BulkMinimumQuantity: 4, Stock: 30, Active: true},
		{ID: "prd_saw", SKU: "SIE-MAN-20", Name: "Serrucho 20in", UnitPrice: 27000, Stock: 0, Active: true},
		{ID: "prd_old", SKU: "DESC-01", Name: "Articulo descontinuado", UnitPrice: 100, Stock: 5, Active: false},
	} {
		s.products[p.ID] = p
	}
	for _, c := range []domain.Company{
		{ID: "cmp_constructora", Name: "Constructora Andina SAS", TaxID: "900123456-1", Active: true},
		{ID: "cmp_inactive", Name: "Obras Cerradas Ltda", TaxID: "800987654-2", Active: false},
	} {
		s.companies[c.ID] = c
	}
	for _, u := range seedUsers() {
		s.usersByID[u.ID] = u
		s.userIDByEmail[strings.ToLower(u.Email)] = u.ID
	}
	return s
}

// PutProduct inserts or replaces a catalog row. Catalog management lives
// outside the till; this exists for seeding and tests.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

func (s *Store) PutCompany(company domain.Company) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companies[company.ID] = company
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) ApplyStockDelta(_ context.Context, productID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if p.Stock+delta < 0 {
		return p.Stock, store.ErrInsufficientStock
	}
	p.Stock += delta
	s.products[productID] = p
	return p.Stock, nil
}

func (s *Store) AppendMovement(_ context.Context, movement domain.InventoryMovement) (*domain.InventoryMovement, error) {
	if movement.ProductID == "" || movement.Quantity == 0 || movement.ActorID == "" {
		return nil, store.ErrInvalidRecord
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, movement)
	saved := movement
	return &saved, nil
}

func (s *Store) DeleteMovement(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.movements {
		if m.ID == id {
			s.movements = append(s.movements[:i], s.movements[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryMovement, 0, len(s.movements))
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		if filter.ActorID != "" && m.ActorID != filter.ActorID {
			continue
		}
		result = append(result, m)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetCompany(_ context.Context, id string) (*domain.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.companies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.InvoiceNumber == "" || sale.SellerID == "" {
		return nil, store.ErrInvalidRecord
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.LineItems = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ShiftID != "" {
		if shift, ok := s.shiftsByID[sale.ShiftID]; !ok || shift.State != domain.ShiftStateOpen {
			return nil, store.ErrShiftNotOpen
		}
	}
	if _, exists := s.saleIDByInvoice[sale.InvoiceNumber]; exists {
		return nil, store.ErrDuplicateInvoice
	}
	stored := sale
	s.salesByID[sale.ID] = &stored
	s.saleIDByInvoice[sale.InvoiceNumber] = sale.ID
	return cloneSale(&stored), nil
}

func (s *Store) DeleteSale(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.saleIDByInvoice, sale.InvoiceNumber)
	delete(s.salesByID, id)
	return nil
}

func (s *Store) CreateLineItems(_ context.Context, saleID string, items []domain.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return store.ErrNotFound
	}
	for _, item := range items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return store.ErrInvalidRecord
		}
	}
	for _, item := range items {
		if item.ID == "" {
			item.ID = xid.New("li")
		}
		item.SaleID = saleID
		sale.LineItems = append(sale.LineItems, item)
	}
	return nil
}

func (s *Store) DeleteLineItems(_ context.Context, saleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.LineItems = nil
	return nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByInvoice(_ context.Context, invoiceNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.saleIDByInvoice[invoiceNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.salesByID[id]), nil
}

func (s *Store) CancelSale(_ context.Context, id string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status == domain.SaleCancelled {
		return nil, store.ErrStateConflict
	}
	cancelledAt := at.UTC()
	sale.Status = domain.SaleCancelled
	sale.CancelledAt = &cancelledAt
	return cloneSale(sale), nil
}

func (s *Store) RestoreSaleStatus(_ context.Context, id string, status domain.SaleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return store.ErrNotFound
	}
	sale.Status = status
	sale.CancelledAt = nil
	return nil
}

func (s *Store) SumSalesByMethod(_ context.Context, sellerID string, from time.Time, to time.Time) (map[domain.PaymentMethod]domain.Money, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[domain.PaymentMethod]domain.Money, 3)
	count := 0
	for _, sale := range s.salesByID {
		if sale.SellerID != sellerID || sale.Status == domain.SaleCancelled {
			continue
		}
		if sale.CreatedAt.Before(from) || sale.CreatedAt.After(to) {
			continue
		}
		totals[sale.PaymentMethod] += sale.Total
		count++
	}
	return totals, count, nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.CashierID) == "" {
		return nil, store.ErrInvalidRecord
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.State = domain.ShiftStateOpen

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activeShiftByUser[shift.CashierID]; exists {
		return nil, store.ErrAlreadyOpen
	}
	s.shiftsByID[shift.ID] = shift
	s.activeShiftByUser[shift.CashierID] = shift.ID
	saved := shift
	return &saved, nil
}

func (s *Store) DeleteShift(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shiftsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.activeShiftByUser[shift.CashierID] == id {
		delete(s.activeShiftByUser, shift.CashierID)
	}
	delete(s.shiftsByID, id)
	delete(s.denominations, id)
	return nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) GetActiveShift(_ context.Context, cashierID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeShiftByUser[cashierID]
	if !ok {
		return nil, store.ErrNotFound
	}
	shift := s.shiftsByID[id]
	return &shift, nil
}

func (s *Store) UpdateShift(_ context.Context, shift domain.Shift, expected domain.ShiftState) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.shiftsByID[shift.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.State != expected {
		return nil, store.ErrStateConflict
	}
	shift.CashierID = current.CashierID
	shift.OpenedAt = current.OpenedAt
	s.shiftsByID[shift.ID] = shift
	if shift.State == domain.ShiftStateClosed {
		delete(s.activeShiftByUser, shift.CashierID)
	} else {
		s.activeShiftByUser[shift.CashierID] = shift.ID
	}
	saved := shift
	return &saved, nil
}

func (s *Store) InsertDenominations(_ context.Context, rows []domain.ShiftDenomination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if _, ok := s.shiftsByID[row.ShiftID]; !ok {
			return store.ErrNotFound
		}
	}
	now := time.Now().UTC()
	for _, row := range rows {
		if row.ID == "" {
			row.ID = xid.New("den")
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		s.denominations[row.ShiftID] = append(s.denominations[row.ShiftID], row)
	}
	return nil
}

func (s *Store) DeleteDenominations(_ context.Context, shiftID string, phase domain.CountPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.denominations[shiftID]
	kept := rows[:0]
	for _, row := range rows {
		if row.Phase != phase {
			kept = append(kept, row)
		}
	}
	s.denominations[shiftID] = kept
	return nil
}

func (s *Store) ListDenominations(_ context.Context, shiftID string, phase domain.CountPhase) ([]domain.ShiftDenomination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ShiftDenomination, 0, 8)
	for _, row := range s.denominations[shiftID] {
		if row.Phase == phase {
			result = append(result, row)
		}
	}
	return result, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.userIDByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, store.ErrNotFound
	}
	user := s.usersByID[id]
	return &user, nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" || user.PasswordHash == "" || !domain.IsKnownRole(user.Role) {
		return store.ErrInvalidRecord
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Email = email

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.userIDByEmail[email]; exists {
		return store.ErrInvalidRecord
	}
	s.usersByID[user.ID] = user
	s.userIDByEmail[email] = user.ID
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 16)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entityType != "" && entry.EntityType != entityType {
			continue
		}
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dst := *src
	dst.LineItems = append([]domain.LineItem(nil), src.LineItems...)
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dst.CancelledAt = &at
	}
	return &dst
}
