// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the admin user (admin@campusiq.edu) already exists.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"campusiq-governance/internal/config"
	"campusiq-governance/internal/db"
	"campusiq-governance/internal/security"
)

const (
	adminEmail   = "admin@campusiq.edu"
	facultyEmail = "faculty@campusiq.edu"
	studentEmail = "student@campusiq.edu"
	devPassword  = "password123"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var exists bool
	if err := conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)", adminEmail).Scan(&exists); err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if exists {
		log.Println("Seed already applied (admin@campusiq.edu exists). Skipping.")
		os.Exit(0)
	}

	if err := seed(ctx, conn, cfg.BcryptCost); err != nil {
		log.Fatalf("seed: %v", err)
	}
	log.Println("Seed completed successfully.")
	fmt.Printf("Admin login: %s / %s\n", adminEmail, devPassword)
	fmt.Printf("Faculty login: %s / %s\n", facultyEmail, devPassword)
	fmt.Printf("Student login: %s / %s\n", studentEmail, devPassword)
}

func seed(ctx context.Context, conn *sql.DB, bcryptCost int) error {
	hasher := security.NewHasher(bcryptCost)
	passwordHash, err := hasher.Hash([]byte(devPassword))
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var csID, meID int64
	if err := tx.QueryRowContext(ctx,
		"INSERT INTO departments (name, code) VALUES ('Computer Science', 'CS') RETURNING id").Scan(&csID); err != nil {
		return fmt.Errorf("insert department: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		"INSERT INTO departments (name, code) VALUES ('Mechanical Engineering', 'ME') RETURNING id").Scan(&meID); err != nil {
		return fmt.Errorf("insert department: %w", err)
	}

	insertUser := func(email, fullName, role string, deptID int64) (int64, error) {
		var id int64
		err := tx.QueryRowContext(ctx, `INSERT INTO users (email, full_name, password_hash, role, department_id)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, email, fullName, passwordHash, role, nullInt(deptID)).Scan(&id)
		return id, err
	}
	if _, err := insertUser(adminEmail, "Dev Admin", "admin", 0); err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	facultyUserID, err := insertUser(facultyEmail, "Dev Faculty", "faculty", csID)
	if err != nil {
		return fmt.Errorf("insert faculty user: %w", err)
	}
	studentUserID, err := insertUser(studentEmail, "Dev Student", "student", csID)
	if err != nil {
		return fmt.Errorf("insert student user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO faculty (user_id, employee_id, department_id, designation)
VALUES ($1, 'FAC001', $2, 'Assistant Professor')`, facultyUserID, csID); err != nil {
		return fmt.Errorf("insert faculty: %w", err)
	}

	studentRows := []struct {
		roll     string
		dept     int64
		semester int
		section  string
		cgpa     float64
		year     int
	}{
		{"CS21B001", csID, 6, "A", 8.4, 2021},
		{"CS21B002", csID, 6, "A", 6.9, 2021},
		{"CS22B003", csID, 4, "B", 7.8, 2022},
		{"ME22B001", meID, 4, "A", 7.1, 2022},
	}
	studentIDs := make([]int64, 0, len(studentRows))
	for i, s := range studentRows {
		var id int64
		var userID interface{}
		if i == 0 {
			userID = studentUserID
		}
		if err := tx.QueryRowContext(ctx, `INSERT INTO students (user_id, roll_number, department_id, semester, section, cgpa, admission_year)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			userID, s.roll, s.dept, s.semester, s.section, s.cgpa, s.year).Scan(&id); err != nil {
			return fmt.Errorf("insert student %s: %w", s.roll, err)
		}
		studentIDs = append(studentIDs, id)
	}

	var courseID int64
	if err := tx.QueryRowContext(ctx, `INSERT INTO courses (code, name, department_id, semester, credits)
VALUES ('CS301', 'Operating Systems', $1, 6, 4) RETURNING id`, csID).Scan(&courseID); err != nil {
		return fmt.Errorf("insert course: %w", err)
	}

	for _, sid := range studentIDs[:2] {
		if _, err := tx.ExecContext(ctx, `INSERT INTO attendance (student_id, course_id, date, is_present, method)
VALUES ($1, $2, CURRENT_DATE, TRUE, 'manual')`, sid, courseID); err != nil {
			return fmt.Errorf("insert attendance: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO predictions (student_id, course_id, predicted_grade, risk_score, confidence)
VALUES ($1, $2, 'B+', 0.25, 0.80)`, sid, courseID); err != nil {
			return fmt.Errorf("insert prediction: %w", err)
		}
	}

	var employeeID int64
	if err := tx.QueryRowContext(ctx, `INSERT INTO employees (user_id, employee_type, date_of_joining, phone, city, state)
VALUES ($1, 'teaching', '2019-07-01', '9000000001', 'Pune', 'MH') RETURNING id`, facultyUserID).Scan(&employeeID); err != nil {
		return fmt.Errorf("insert employee: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO salary_records (employee_id, month, year, gross_salary, deductions, net_salary, status)
VALUES ($1, 7, 2025, 90000, 12000, 78000, 'paid')`, employeeID); err != nil {
		return fmt.Errorf("insert salary record: %w", err)
	}

	return tx.Commit()
}

func nullInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
